package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/petervdpas/callcore/internal/call"
)

type callState struct {
	Session      *call.Session `json:"session"`
	Invite       *call.Invite  `json:"invite"`
	Speaker      bool          `json:"speaker"`
	InPiP        bool          `json:"inPiP"`
	PiPSupported bool          `json:"pipSupported"`
}

func stateOf(c *call.Coordinator) callState {
	var st callState
	if s, ok := c.Machine().Session(); ok {
		st.Session = &s
	}
	if inv, ok := c.Machine().Ringing(); ok {
		st.Invite = &inv
	}
	st.Speaker = c.Audio().Speaker()
	st.InPiP = c.PiP().InPiP()
	st.PiPSupported = c.PiP().IsPiPSupported()
	return st
}

func registerCall(mux *http.ServeMux, c *call.Coordinator, feed *ReactionFeed) {
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, stateOf(c))
	})

	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
		PeerID         string `json:"peer_id"`
		Mode           string `json:"mode"`
	}) {
		if req.ConversationID == "" || req.PeerID == "" {
			http.Error(w, "missing conversation_id or peer_id", http.StatusBadRequest)
			return
		}
		s, err := c.StartCall(r.Context(), req.ConversationID, req.PeerID, req.Mode)
		switch {
		case errors.Is(err, call.ErrBusy):
			http.Error(w, err.Error(), http.StatusConflict)
			return
		case err != nil:
			http.Error(w, fmt.Sprintf("start call failed: %v", err), http.StatusBadRequest)
			return
		}
		writeJSON(w, s)
	})

	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		s, ok := c.Accept(r.Context())
		if !ok {
			http.Error(w, "no ringing invite", http.StatusNotFound)
			return
		}
		writeJSON(w, s)
	})

	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		writeJSON(w, map[string]bool{"declined": c.Decline()})
	})

	handlePost(mux, "/api/call/dismiss", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		writeJSON(w, map[string]bool{"dismissed": c.Dismiss()})
	})

	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if !c.Hangup() {
			writeJSON(w, map[string]string{"status": "not_found"})
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	// A missing "muted" toggles.
	handlePost(mux, "/api/call/mute", func(w http.ResponseWriter, r *http.Request, req struct {
		Muted *bool `json:"muted"`
	}) {
		var muted, ok bool
		if req.Muted == nil {
			muted, ok = c.ToggleMute()
		} else {
			muted, ok = *req.Muted, c.SetMuted(*req.Muted)
		}
		if !ok {
			http.Error(w, "no active call", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	handlePost(mux, "/api/call/speaker", func(w http.ResponseWriter, r *http.Request, req struct {
		On bool `json:"on"`
	}) {
		writeJSON(w, map[string]bool{"ok": c.SetSpeaker(r.Context(), req.On), "speaker": c.Audio().Speaker()})
	})

	// The UI reports which conversation is on screen; "" means none.
	handlePost(mux, "/api/call/focus", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		c.SetViewing(req.ConversationID)
		writeJSON(w, map[string]string{"viewing": req.ConversationID})
	})

	handlePost(mux, "/api/call/consume", func(w http.ResponseWriter, r *http.Request, req struct {
		ConversationID string `json:"conversation_id"`
	}) {
		if req.ConversationID == "" {
			http.Error(w, "missing conversation_id", http.StatusBadRequest)
			return
		}
		rec := c.ConsumePendingIncomingInvite(r.Context(), req.ConversationID)
		if rec == nil {
			writeJSON(w, map[string]string{"status": "none"})
			return
		}
		writeJSON(w, rec)
	})

	handlePost(mux, "/api/call/pip/enter", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		writeJSON(w, map[string]bool{"ok": c.EnterPiP(r.Context())})
	})

	handlePost(mux, "/api/call/pip/exit", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		writeJSON(w, map[string]bool{"ok": c.ExitPiP(r.Context())})
	})

	// GET /api/call/events streams machine changes over SSE. The first event is
	// a snapshot so a reconnecting UI never needs a separate state fetch.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		events, cancel := c.Machine().Subscribe()
		defer cancel()

		var reactions <-chan Reaction
		if feed != nil {
			rx, stop := feed.Subscribe()
			defer stop()
			reactions = rx
		}

		if data, err := json.Marshal(stateOf(c)); err == nil {
			fmt.Fprintf(w, "event: state\ndata: %s\n\n", data)
			flusher.Flush()
		}

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
				flusher.Flush()
			case rx, ok := <-reactions:
				if !ok {
					return
				}
				data, err := json.Marshal(rx)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: reaction\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}
