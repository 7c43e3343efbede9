package go_castkit

// Capability is an abstract command name plus the set of protocol capabilities
// a protocol must declare to fulfil it.
type Capability struct {
	Name     string
	Requires []string
}

const (
	CapabilityMediaPlay     = "media.play"
	CapabilityMediaPause    = "media.pause"
	CapabilityMediaResume   = "media.resume"
	CapabilityMediaStop     = "media.stop"
	CapabilityMediaSeek     = "media.seek"
	CapabilityMediaPosition = "media.position"

	CapabilityVolumeGet  = "volume.get"
	CapabilityVolumeSet  = "volume.set"
	CapabilityVolumeUp   = "volume.up"
	CapabilityVolumeDown = "volume.down"
	CapabilityMuteGet    = "mute.get"
	CapabilityMuteSet    = "mute.set"

	CapabilityAppLaunch = "app.launch"
	CapabilityAppClose  = "app.close"
	CapabilityAppList   = "app.list"

	CapabilityKeySend   = "key.send"
	CapabilityTextSend  = "text.send"
	CapabilityToastShow = "toast.show"
	CapabilityPowerOff  = "power.off"
)

// BuiltinCapabilities are defined in every capability registry.
var BuiltinCapabilities = []string{
	CapabilityMediaPlay, CapabilityMediaPause, CapabilityMediaResume, CapabilityMediaStop,
	CapabilityMediaSeek, CapabilityMediaPosition,
	CapabilityVolumeGet, CapabilityVolumeSet, CapabilityVolumeUp, CapabilityVolumeDown,
	CapabilityMuteGet, CapabilityMuteSet,
	CapabilityAppLaunch, CapabilityAppClose, CapabilityAppList,
	CapabilityKeySend, CapabilityTextSend, CapabilityToastShow, CapabilityPowerOff,
}

// Keys accepted by CapabilityKeySend.
const (
	KeyUp    = "up"
	KeyDown  = "down"
	KeyLeft  = "left"
	KeyRight = "right"
	KeyOk    = "ok"
	KeyBack  = "back"
	KeyHome  = "home"
)

// Well known argument names.
const (
	ArgUrl      = "url"
	ArgMimeType = "mime_type"
	ArgTitle    = "title"
	ArgPosition = "position"
	ArgLevel    = "level"
	ArgMute     = "mute"
	ArgAppId    = "id"
	ArgParams   = "params"
	ArgKey      = "key"
	ArgText     = "text"
	ArgMessage  = "message"
)

// VolumeLevel is returned by CapabilityVolumeGet, level is in range 0-100.
type VolumeLevel struct {
	Level int  `json:"level"`
	Muted bool `json:"muted"`
}

// MediaPosition is returned by CapabilityMediaPosition, in milliseconds.
type MediaPosition struct {
	Position int64 `json:"position"`
	Duration int64 `json:"duration"`
}

type AppInfo struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}
