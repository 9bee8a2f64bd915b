package domain

// LocalStageView is the per-client derived state over the stage-request
// table. It is rebuilt by the reconciliation loop on every change event and
// handed out to readers only as a deep copy, never shared.
type LocalStageView struct {
	// PendingRequests keeps arrival order, oldest first.
	PendingRequests []StageRequest
	CurrentGuest    *StageRequest
	MyRequest       *StageRequest
	AmOnStage       bool
}

// Clone returns a copy that shares nothing with the receiver.
func (v LocalStageView) Clone() LocalStageView {
	out := LocalStageView{AmOnStage: v.AmOnStage}
	if len(v.PendingRequests) > 0 {
		out.PendingRequests = make([]StageRequest, len(v.PendingRequests))
		copy(out.PendingRequests, v.PendingRequests)
	}
	if v.CurrentGuest != nil {
		g := *v.CurrentGuest
		out.CurrentGuest = &g
	}
	if v.MyRequest != nil {
		r := *v.MyRequest
		out.MyRequest = &r
	}
	return out
}

// Pending returns the pending row with the given id, if known.
func (v *LocalStageView) Pending(id RequestID) (StageRequest, bool) {
	for _, r := range v.PendingRequests {
		if r.ID == id {
			return r, true
		}
	}
	return StageRequest{}, false
}
