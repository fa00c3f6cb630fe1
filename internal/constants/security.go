package constants

// Salts for local store encryption. Changing them makes existing encrypted
// stores unreadable.
const (
	EncryptionSalt       = "chatsync-local-store-v1"
	EncryptionLookupSalt = "chatsync-lookup-v1"
)

// Environment switches for local store encryption
const (
	EnvEnableEncryption = "CHATSYNC_ENABLE_ENCRYPTION"
	EnvEncryptionSecret = "CHATSYNC_ENCRYPTION_SECRET"
	MinEncryptionSecret = 32
)
