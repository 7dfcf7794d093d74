package hive

import "context"

// Editor applies registry edits. Key paths are absolute (rooted at a hive
// loaded by the protocol, i.e. below Loaded.Root()).
//
// Implementations that hold native handles must be registered with
// Loaded.Track so the protocol can release them before unload.
type Editor interface {
	// SetString writes a REG_SZ value, creating the key path if needed.
	SetString(ctx context.Context, keyPath, valueName, value string) error

	// SetDWord writes a REG_DWORD value, creating the key path if needed.
	SetDWord(ctx context.Context, keyPath, valueName string, value uint32) error

	// DeleteValue removes a single value. Removing a value that does not
	// exist is not an error.
	DeleteValue(ctx context.Context, keyPath, valueName string) error

	// DeleteKey removes a key and everything below it. Removing a key that
	// does not exist is not an error.
	DeleteKey(ctx context.Context, keyPath string) error

	// CreateKey ensures a key path exists.
	CreateKey(ctx context.Context, keyPath string) error
}
