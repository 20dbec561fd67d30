package protocol

import "time"

// Action names an OCPP operation. The framing treats payloads as opaque;
// the structs below cover the actions this system itself issues or answers.
// Handlers for further actions work with the raw payload directly.
type Action string

const (
	ActionBootNotification       Action = "BootNotification"
	ActionHeartbeat              Action = "Heartbeat"
	ActionStatusNotification     Action = "StatusNotification"
	ActionChangeConfiguration    Action = "ChangeConfiguration"
	ActionGetConfiguration       Action = "GetConfiguration"
	ActionRemoteStartTransaction Action = "RemoteStartTransaction"
)

// RegistrationStatus is the central system's verdict on a BootNotification.
type RegistrationStatus string

const (
	RegistrationAccepted RegistrationStatus = "Accepted"
	RegistrationPending  RegistrationStatus = "Pending"
	RegistrationRejected RegistrationStatus = "Rejected"
)

type BootNotificationRequest struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty"`
}

type BootNotificationConfirmation struct {
	CurrentTime time.Time          `json:"currentTime"`
	Interval    int                `json:"interval"`
	Status      RegistrationStatus `json:"status"`
}

type HeartbeatConfirmation struct {
	CurrentTime time.Time `json:"currentTime"`
}

type StatusNotificationRequest struct {
	ConnectorID int    `json:"connectorId"`
	ErrorCode   string `json:"errorCode"`
	Status      string `json:"status"`
}

type StatusNotificationConfirmation struct{}

// ConfigurationStatus is the charge point's verdict on a
// ChangeConfiguration request.
type ConfigurationStatus string

const (
	ConfigurationAccepted       ConfigurationStatus = "Accepted"
	ConfigurationRejected       ConfigurationStatus = "Rejected"
	ConfigurationRebootRequired ConfigurationStatus = "RebootRequired"
	ConfigurationNotSupported   ConfigurationStatus = "NotSupported"
)

type ChangeConfigurationRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type ChangeConfigurationConfirmation struct {
	Status ConfigurationStatus `json:"status"`
}

// GetConfigurationRequest asks for specific keys, or for everything when
// Key is empty.
type GetConfigurationRequest struct {
	Key []string `json:"key,omitempty"`
}

type KeyValue struct {
	Key      string  `json:"key"`
	Readonly bool    `json:"readonly"`
	Value    *string `json:"value,omitempty"`
}

type GetConfigurationConfirmation struct {
	ConfigurationKey []KeyValue `json:"configurationKey,omitempty"`
	UnknownKey       []string   `json:"unknownKey,omitempty"`
}

// RemoteStartStopStatus is the charge point's verdict on a remote
// start/stop command.
type RemoteStartStopStatus string

const (
	RemoteStartStopAccepted RemoteStartStopStatus = "Accepted"
	RemoteStartStopRejected RemoteStartStopStatus = "Rejected"
)

type RemoteStartTransactionRequest struct {
	ConnectorID *int   `json:"connectorId,omitempty"`
	IDTag       string `json:"idTag"`
}

type RemoteStartTransactionConfirmation struct {
	Status RemoteStartStopStatus `json:"status"`
}
