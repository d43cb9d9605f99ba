package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/posdesk/backoffice/internal/model"
	"github.com/posdesk/backoffice/internal/pkg/logger"
)

const HeaderIdempotencyKey = "X-Idempotency-Key"

type IdempotencyStore interface {
	// GetOrLock returns (record, true) if the key exists, (nil, false) if the caller now holds it.
	GetOrLock(ctx context.Context, key string) (*model.IdempotencyRecord, bool, error)
	Save(ctx context.Context, key string, status int, body []byte) error
	Unlock(ctx context.Context, key string) error
}

// IdempotencyMiddleware replays the stored response of a repeated X-Idempotency-Key. Keys are
// scoped by store and actor, so it must run after AuthMiddleware.
func IdempotencyMiddleware(store IdempotencyStore) gin.HandlerFunc {
	log := logger.Component("idempotency")

	return func(c *gin.Context) {
		idemKey := c.GetHeader(HeaderIdempotencyKey)
		if idemKey == "" {
			c.Next()
			return
		}
		actor, ok := actorFrom(c)
		if !ok {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		fullKey := c.Param(storeIDParam) + ":" + actor.UserID + ":" + idemKey

		record, hit, err := store.GetOrLock(ctx, fullKey)
		if err != nil {
			// store down: serve the request without replay protection
			log.Error("Idempotency store unavailable", "error", err)
			c.Next()
			return
		}
		if hit {
			if record.Processing {
				c.JSON(http.StatusConflict, gin.H{"error": "request in progress"})
				c.Abort()
				return
			}
			c.Data(record.Status, "application/json; charset=utf-8", record.Body)
			c.Abort()
			return
		}

		w := &responseBodyWriter{ResponseWriter: c.Writer}
		c.Writer = w

		c.Next()

		// 5xx responses may be retried, so only the claim is released
		if c.Writer.Status() < http.StatusInternalServerError {
			err = store.Save(ctx, fullKey, c.Writer.Status(), w.body)
		} else {
			err = store.Unlock(ctx, fullKey)
		}
		if err != nil {
			log.Error("Failed to update idempotency record", "error", err)
		}
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body []byte
}

func (w *responseBodyWriter) Write(b []byte) (int, error) {
	w.body = append(w.body, b...)
	return w.ResponseWriter.Write(b)
}
