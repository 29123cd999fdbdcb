// Package sse provides Server-Sent Events support for live bid progress.
package sse

import (
	"encoding/json"
	"net/http"
	"sync"

	"agency_portal_backend/platform/httpkit"
	"agency_portal_backend/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// EventType represents different types of SSE events
type EventType string

const (
	EventBidProgress    EventType = "bid_progress"
	EventBidRunFinished EventType = "bid_run_finished"
)

const clientBuffer = 32

// Event represents an SSE event payload
type Event struct {
	Type       EventType `json:"type"`
	ProposalID uuid.UUID `json:"proposalId"`
	Message    string    `json:"message,omitempty"`
	Data       any       `json:"data,omitempty"`
}

// client represents a connected SSE client
type client struct {
	userID     uuid.UUID
	orgID      uuid.UUID
	proposalID uuid.UUID
	events     chan Event
}

func (c *client) wants(e Event) bool {
	return c.proposalID == uuid.Nil || c.proposalID == e.ProposalID
}

// Service manages SSE connections and event broadcasting
type Service struct {
	mu      sync.RWMutex
	clients map[uuid.UUID][]*client // orgID -> clients
	closed  bool
	log     *logger.Logger
}

// New creates a new SSE service
func New(log *logger.Logger) *Service {
	return &Service{
		clients: make(map[uuid.UUID][]*client),
		log:     log,
	}
}

func (s *Service) addClient(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c.orgID] = append(s.clients[c.orgID], c)
	return true
}

// removeClient unregisters a client connection. Channels are only closed
// here or in Close, whichever runs first.
func (s *Service) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clients := s.clients[c.orgID]
	for i, cl := range clients {
		if cl == c {
			s.clients[c.orgID] = append(clients[:i], clients[i+1:]...)
			close(c.events)
			break
		}
	}
	if len(s.clients[c.orgID]) == 0 {
		delete(s.clients, c.orgID)
	}
}

// PublishToOrganization broadcasts an event to every connection of the
// organization that watches the event's proposal.
func (s *Service) PublishToOrganization(orgID uuid.UUID, event Event) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	delivered := 0
	for _, c := range s.clients[orgID] {
		if !c.wants(event) {
			continue
		}
		select {
		case c.events <- event:
			delivered++
		default:
			s.log.Warn("sse buffer full, dropping event", "userId", c.userID, "type", event.Type)
		}
	}
	return delivered
}

// ClientCount returns the number of open connections for an organization.
func (s *Service) ClientCount(orgID uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients[orgID])
}

// Handler returns a Gin handler for SSE connections. An optional proposalId
// query parameter narrows the stream to one proposal.
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := httpkit.MustGetIdentity(c)
		if id == nil {
			return
		}

		var proposalID uuid.UUID
		if raw := c.Query("proposalId"); raw != "" {
			parsed, err := uuid.Parse(raw)
			if err != nil {
				httpkit.Error(c, http.StatusBadRequest, "invalid proposalId", nil)
				return
			}
			proposalID = parsed
		}

		cl := &client{
			userID:     id.UserID(),
			orgID:      id.TenantID(),
			proposalID: proposalID,
			events:     make(chan Event, clientBuffer),
		}
		if !s.addClient(cl) {
			httpkit.Error(c, http.StatusServiceUnavailable, "event stream closed", nil)
			return
		}
		defer s.removeClient(cl)

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.Header().Set("X-Accel-Buffering", "no")

		c.SSEvent("connected", gin.H{"userId": cl.userID, "orgId": cl.orgID})
		c.Writer.Flush()

		clientGone := c.Request.Context().Done()
		for {
			select {
			case <-clientGone:
				return
			case event, ok := <-cl.events:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					s.log.Error("sse marshal failed", "error", err)
					continue
				}
				c.SSEvent(string(event.Type), string(data))
				c.Writer.Flush()
			}
		}
	}
}

// Close disconnects every client and rejects new connections.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for _, clients := range s.clients {
		for _, c := range clients {
			close(c.events)
		}
	}
	s.clients = make(map[uuid.UUID][]*client)
}
