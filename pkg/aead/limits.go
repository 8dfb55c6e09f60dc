package aead

// Fixed sizes of the AES-256-GCM construction and the
// engine's payload bound.
const (
	KeySize           = 32
	IVSize            = 12
	TagSize           = 16
	MaxCiphertextSize = 16_777_216
)
