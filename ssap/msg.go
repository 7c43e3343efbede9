package ssap

import "encoding/json"

const (
	typeHello      = "hello"
	typeRegister   = "register"
	typeRegistered = "registered"
	typeRequest    = "request"
	typeResponse   = "response"
	typeError      = "error"
)

type Message struct {
	Type    string          `json:"type"`
	Id      string          `json:"id,omitempty"`
	Uri     string          `json:"uri,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type responsePayload struct {
	ReturnValue *bool  `json:"returnValue"`
	ErrorCode   any    `json:"errorCode"`
	ErrorText   string `json:"errorText"`
	PairingType string `json:"pairingType"`
}

type registerPayload struct {
	ClientKey    string   `json:"client-key,omitempty"`
	PairingType  string   `json:"pairingType,omitempty"`
	ForcePairing bool     `json:"forcePairing"`
	Manifest     manifest `json:"manifest"`
}

type registeredPayload struct {
	ClientKey string `json:"client-key"`
}

type manifest struct {
	ManifestVersion int      `json:"manifestVersion"`
	AppVersion      string   `json:"appVersion"`
	AppId           string   `json:"appId"`
	Permissions     []string `json:"permissions"`
}

type volumePayload struct {
	Volume int  `json:"volume"`
	Muted  bool `json:"muted"`
}

type launchPointsPayload struct {
	LaunchPoints []struct {
		Id    string `json:"id"`
		Title string `json:"title"`
	} `json:"launchPoints"`
}

type pointerSocketPayload struct {
	SocketPath string `json:"socketPath"`
}

var defaultPermissions = []string{
	"LAUNCH", "LAUNCH_WEBAPP", "APP_TO_APP", "CONTROL_AUDIO", "CONTROL_INPUT_MEDIA_PLAYBACK",
	"CONTROL_POWER", "READ_INSTALLED_APPS", "CONTROL_DISPLAY", "CONTROL_INPUT_TEXT",
	"CONTROL_MOUSE_AND_KEYBOARD", "READ_RUNNING_APPS", "WRITE_NOTIFICATION_TOAST",
}
