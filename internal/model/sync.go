package model

const (
	ControlSyncRequest  = "syncRequest"
	ControlSyncResponse = "syncResponse"

	SyncContentHistory = "contentHistory"
	SyncDeviceInfo     = "deviceInfo"
)

type (
	// SyncControl is the reconciliation message exchanged between the
	// devices of one account.
	SyncControl struct {
		Control string   `json:"control"`
		Type    string   `json:"type"`
		ID      string   `json:"id"`
		Sent    int64    `json:"sent"`
		Devices []uint32 `json:"devices,omitempty"`
		TTL     int64    `json:"ttl,omitempty"`

		KnownMessages []string       `json:"knownMessages,omitempty"`
		KnownThreads  []ThreadStamp  `json:"knownThreads,omitempty"`
		KnownContacts []ContactStamp `json:"knownContacts,omitempty"`

		Messages   []Message   `json:"messages,omitempty"`
		Threads    []Thread    `json:"threads,omitempty"`
		Contacts   []Contact   `json:"contacts,omitempty"`
		DeviceInfo *DeviceInfo `json:"deviceInfo,omitempty"`
	}

	ThreadStamp struct {
		ID           string `json:"id"`
		LastActivity int64  `json:"lastActivity"`
	}

	ContactStamp struct {
		ID      string `json:"id"`
		Updated int64  `json:"updated"`
	}

	Message struct {
		ID           string              `json:"id"`
		ThreadID     string              `json:"threadId"`
		Source       string              `json:"source"`
		SourceDevice uint32              `json:"sourceDevice"`
		Sent         int64               `json:"sent"`
		Body         string              `json:"body,omitempty"`
		Attachments  []AttachmentPointer `json:"attachments,omitempty"`
		// Local messages exist only on this device and are never synced.
		Local bool `json:"local,omitempty"`
	}

	Thread struct {
		ID           string `json:"id"`
		Title        string `json:"title,omitempty"`
		LastActivity int64  `json:"lastActivity"`
	}

	Contact struct {
		ID      string `json:"id"`
		Name    string `json:"name,omitempty"`
		Updated int64  `json:"updated"`
	}

	Geo struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Accuracy  float64 `json:"accuracy,omitempty"`
	}

	Connection struct {
		Online    bool   `json:"online"`
		Transport string `json:"transport,omitempty"`
		Since     int64  `json:"since,omitempty"`
	}

	DeviceInfo struct {
		DeviceID   uint32     `json:"deviceId"`
		Platform   string     `json:"platform"`
		Location   *Geo       `json:"location,omitempty"`
		Connection Connection `json:"connection"`
		Updated    int64      `json:"updated"`
	}
)
