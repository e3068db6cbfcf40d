package stream

// Client-facing error texts.
const (
	MsgInvalidJSON         = "Invalid JSON format"
	MsgMissingImage        = "Missing 'image' field in message"
	MsgMissingImageRequest = "Missing 'image' field"
	MsgDecodeFailed        = "No se pudo decodificar la imagen"
	MsgProcessingPrefix    = "Processing error: "
	MsgConnectionLimit     = "connection limit exceeded"
)
