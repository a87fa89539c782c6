package state

// Operating parameters fetched from the remote service at startup.
// Defaults apply until a fetch succeeds; a populated field is never rolled
// back to empty by a later failed fetch.

const DefaultAlarmThreshold = 30.0

type RemoteConfig struct {
	BrokerAddr     string  // "" = not yet fetched, publish is skipped
	AlarmThreshold float64 // degrees Celsius
	AlarmRecipient string  // "" = alarm feature disabled
}

func NewRemoteConfig() RemoteConfig {
	return RemoteConfig{AlarmThreshold: DefaultAlarmThreshold}
}
