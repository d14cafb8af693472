package refresh

// State は Refresher の状態
type State int32

const (
	StateIdle State = iota
	StateScanning
	StateRebuilding
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateRebuilding:
		return "rebuilding"
	default:
		return "unknown"
	}
}
