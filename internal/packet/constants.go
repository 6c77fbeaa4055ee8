package packet

// Version is the wire format version stamped into every header.
const Version = "0.1"

// MaxPacketSize is the largest encoded envelope (the IPv4 UDP payload limit).
const MaxPacketSize = 65507

// MaxContentSize bounds chunk payloads, leaving ~4 KiB for header and metadata.
const MaxContentSize = 61440

// Discriminator keys for the tagged map encoding.
const (
	tagPacket   = "__packet__"
	tagHeader   = "__header__"
	tagMetadata = "__metadata__"
	tagContent  = "__content__"
	tagDatetime = "__datetime__"
)

// Field keys.
const (
	keySignature    = "_signature"
	keyHeader       = "_header"
	keyParentHeader = "_parent_header"
	keyMetadata     = "_metadata"
	keyContent      = "_content"

	keyID       = "_id"
	keyUsername = "_username"
	keySession  = "_session"
	keyDate     = "_date"
	keyType     = "_type"
	keyVersion  = "_version"

	keyData       = "_data"
	keyDateString = "s"
)

// dateLayout renders timestamps with microsecond precision.
const dateLayout = "20060102T15:04:05.000000"
