package notificator

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/core-coin/tributum/internal/models"
	"github.com/core-coin/tributum/pkg/logger"
)

// sendTimeout bounds a single delivery attempt.
const sendTimeout = 15 * time.Second

// Channel delivers an alert to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *models.Alert) error
}

// Notificator fans operator alerts out to every configured channel.
// Delivery runs in the background so settlement requests are not held up.
type Notificator struct {
	logger *logger.Logger

	channels []Channel
	wg       sync.WaitGroup
}

func NewNotificator(logger *logger.Logger, channels ...Channel) *Notificator {
	return &Notificator{logger: logger, channels: channels}
}

// safeCall runs a function with panic recovery
func (n *Notificator) safeCall(fn func(), context string) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Function panicked",
				"context", context,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Alert implements models.Alerter. The alert is always logged, even when no
// channel is configured.
func (n *Notificator) Alert(ctx context.Context, alert *models.Alert) {
	n.logger.Warn("Operator alert", "level", alert.Level, "title", alert.Title, "user", alert.UserID, "tx", alert.TxHash, "details", alert.Details)

	for _, ch := range n.channels {
		ch := ch
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.safeCall(func() {
				sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
				defer cancel()
				if err := ch.Send(sendCtx, alert); err != nil {
					n.logger.Error("Failed to deliver alert", "channel", ch.Name(), "title", alert.Title, "error", err)
				}
			}, ch.Name())
		}()
	}
}

// Wait blocks until every pending delivery has finished.
func (n *Notificator) Wait() {
	n.wg.Wait()
}
