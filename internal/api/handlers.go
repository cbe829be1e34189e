package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"rendezvous/internal/notify"
	"rendezvous/pkg/types"
)

var errBadLimit = types.NewError(types.CodeInvalidFrame, "limit must be a positive integer")

func pathUserID(c *gin.Context) (string, error) {
	id := c.Param("userId")
	if !types.IsValidUserID(id) {
		return "", types.ErrInvalidUserID
	}
	return id, nil
}

func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errBadLimit
	}
	return n, nil
}

// GET /api/consents/:userId
func (s *Server) queryConsent(c *gin.Context) {
	other, err := pathUserID(c)
	if err != nil {
		s.sendError(c, err)
		return
	}
	result, err := s.Gate.Query(c.Request.Context(), callerID(c), other)
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) acceptConsent(c *gin.Context) {
	s.resolveConsent(c, s.Gate.Accept)
}

func (s *Server) rejectConsent(c *gin.Context) {
	s.resolveConsent(c, s.Gate.Reject)
}

type resolveFunc func(ctx context.Context, consentID, userID string) (*types.ChatConsent, error)

// Transitions run on the hub so the requester's push is ordered with any
// message frames in flight.
func (s *Server) resolveConsent(c *gin.Context, resolve resolveFunc) {
	// The closure may outlive the request, so it must not touch c.
	consentID, userID := c.Param("consentId"), callerID(c)
	var record *types.ChatConsent
	err := s.Hub.Do(c.Request.Context(), func(ctx context.Context) error {
		var err error
		record, err = resolve(ctx, consentID, userID)
		return err
	})
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"consent": record})
}

// GET /api/conversations/:userId/messages?limit=
func (s *Server) listMessages(c *gin.Context) {
	other, err := pathUserID(c)
	if err != nil {
		s.sendError(c, err)
		return
	}
	limit, err := queryLimit(c)
	if err != nil {
		s.sendError(c, err)
		return
	}
	msgs, err := s.Pipeline.History(c.Request.Context(), callerID(c), other, limit)
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) listNotifications(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		s.sendError(c, err)
		return
	}
	list, err := s.Notifier.List(c.Request.Context(), callerID(c), limit)
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

func (s *Server) unreadCount(c *gin.Context) {
	n, err := s.Notifier.UnreadCount(c.Request.Context(), callerID(c))
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (s *Server) markRead(c *gin.Context) {
	userID, notificationID := callerID(c), c.Param("id")
	var changed bool
	err := s.Hub.Do(c.Request.Context(), func(ctx context.Context) error {
		var err error
		changed, err = s.Notifier.MarkRead(ctx, userID, notificationID)
		return err
	})
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": changed})
}

func (s *Server) markAllRead(c *gin.Context) {
	userID := callerID(c)
	var n int64
	err := s.Hub.Do(c.Request.Context(), func(ctx context.Context) error {
		var err error
		n, err = s.Notifier.MarkAllRead(ctx, userID)
		return err
	})
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// POST /api/users/:userId/view and /like
func (s *Server) profileEvent(kind types.NotificationType) gin.HandlerFunc {
	return func(c *gin.Context) {
		target, err := pathUserID(c)
		if err != nil {
			s.sendError(c, err)
			return
		}

		actor := callerID(c)
		var result *notify.Result
		err = s.Hub.Do(c.Request.Context(), func(ctx context.Context) error {
			if _, err := s.Store.GetUser(ctx, target); err != nil {
				return err
			}
			var err error
			result, err = s.Notifier.Notify(ctx, notify.Request{
				RecipientID: target,
				ActorID:     actor,
				Type:        kind,
			})
			return err
		})
		if err != nil {
			s.sendError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"created": result.Created,
			"skipped": result.Skipped,
		})
	}
}

type PresenceResponse struct {
	UserID     string     `json:"userId"`
	Online     bool       `json:"online"`
	LastSeenAt *time.Time `json:"lastSeenAt"`
}

// Online state comes from the registry; the stored flag lags behind it.
func (s *Server) presence(c *gin.Context) {
	target, err := pathUserID(c)
	if err != nil {
		s.sendError(c, err)
		return
	}
	user, err := s.Store.GetUser(c.Request.Context(), target)
	if err != nil {
		s.sendError(c, err)
		return
	}
	c.JSON(http.StatusOK, PresenceResponse{
		UserID:     user.ID,
		Online:     s.Registry.IsOnline(user.ID),
		LastSeenAt: user.LastSeenAt,
	})
}
