package httpapi

import (
	"net/http"

	"github.com/mistakeknot/interlock/internal/core"
)

type threadResponse struct {
	ThreadID string         `json:"thread_id"`
	Messages []apiInboxItem `json:"messages"`
}

// handleThread shows one thread as seen by agent, oldest message first. The
// thread root is included.
func (s *Service) handleThread(w http.ResponseWriter, r *http.Request) {
	project, ok := queryProject(w, r)
	if !ok {
		return
	}
	agent := r.URL.Query().Get("agent")
	if agent == "" {
		badRequest(w, "agent required")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	threadID := r.PathValue("id")
	items, err := s.store.Inbox(r.Context(), project, agent, core.InboxOptions{
		ThreadID: threadID,
		MarkRead: queryBool(r, "mark_read"),
		Limit:    limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	writeJSON(w, http.StatusOK, threadResponse{ThreadID: threadID, Messages: toInboxResponse(items).Messages})
}
