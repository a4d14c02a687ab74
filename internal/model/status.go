package model

// Status is the observable supervisor state.
type Status struct {
	Running  bool `json:"running"`
	Starting bool `json:"starting"`
}
