package authapi

import (
	"vigil/cmd/internal/auth/session"
)

func toStatusResponse(st session.Status) statusResponse {
	out := statusResponse{
		WatchdogID:  st.WatchdogID,
		State:       st.State.String(),
		Verdict:     st.Verdict.String(),
		Mode:        st.Mode.String(),
		IdleMS:      st.Idle.Milliseconds(),
		RemainingMS: st.Remaining.Milliseconds(),
		TimeoutMS:   st.Timeout.Milliseconds(),
	}
	if !st.LastActivity.IsZero() {
		la := st.LastActivity
		out.LastActivity = &la
	}
	return out
}
