package model

type (
	// RegisterRequest is the body of PUT /v1/accounts/{name} and PUT /v1/devices.
	RegisterRequest struct {
		Password       string `json:"password"`
		RegistrationID uint32 `json:"registrationId"`
		Name           string `json:"name,omitempty"`
	}

	RegisterResponse struct {
		DeviceID uint32 `json:"deviceId"`
	}

	Device struct {
		ID       uint32 `json:"id"`
		Name     string `json:"name,omitempty"`
		Created  int64  `json:"created"`
		LastSeen int64  `json:"lastSeen"`
	}

	DeviceList struct {
		Devices []Device `json:"devices"`
	}

	PushToken struct {
		Token string `json:"token"`
	}

	AttachmentLocation struct {
		ID       uint64 `json:"id"`
		Location string `json:"location"`
	}
)
