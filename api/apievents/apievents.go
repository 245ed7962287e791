// Package apievents receives events from checkout and the payout
// processor. Every request body must be signed with the shared secret.
package apievents

import (
	"bytes"
	"io/ioutil"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/earnings/api/apierr"
	"gitlab.com/arcanecrypto/earnings/build"
	"gitlab.com/arcanecrypto/earnings/ledger"
	"gitlab.com/arcanecrypto/earnings/payout"
)

var log = build.AddSubLogger("APIE")

// maxBodyBytes caps the size of event bodies
const maxBodyBytes = 1 << 20

// services that gets initiated in RegisterRoutes
var earnings *ledger.Ledger

// Paths lists the event routes. Their bodies are not logged.
var Paths = []string{
	"/events/orders/completed",
	"/events/orders/refunded",
	"/events/payouts/confirmed",
}

// RegisterRoutes registers the event routes on the gin Engine parameter,
// verifying signatures with the given secret
func RegisterRoutes(server *gin.Engine, l *ledger.Ledger, secret []byte) {
	earnings = l

	events := server.Group("/events")
	events.Use(SignatureMiddleware(secret))

	events.POST("/orders/completed", orderCompleted())
	events.POST("/orders/refunded", orderRefunded())
	events.POST("/payouts/confirmed", payoutConfirmed())
}

// SignatureMiddleware rejects requests whose body does not match the
// signature in payout.SignatureHeader. The body is restored for the
// handlers after it is read.
func SignatureMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := ioutil.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
		if err != nil {
			log.WithError(err).Info("Could not read event body")
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
			return
		}

		if !payout.Verify(secret, body, c.GetHeader(payout.SignatureHeader)) {
			log.WithFields(logrus.Fields{
				"path":     c.Request.URL.Path,
				"clientIp": c.ClientIP(),
			}).Warn("Rejecting event with bad signature")
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrInvalidSignature)
			return
		}

		c.Request.Body = ioutil.NopCloser(bytes.NewReader(body))
	}
}

// OrderCompletedRequest is sent by checkout when an order is fulfilled.
// Amounts are validated by the ledger, so malformed ones are reported as
// invalid entries.
type OrderCompletedRequest struct {
	OrderID   string `json:"orderId" binding:"required"`
	CreatorID int    `json:"creatorId" binding:"required"`
	NetAmount int64  `json:"netAmount"`
}

func orderCompleted() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OrderCompletedRequest
		if c.BindJSON(&req) != nil {
			return
		}

		entry, err := earnings.RecordSale(c.Request.Context(), ledger.OrderCompleted{
			OrderID:   req.OrderID,
			CreatorID: req.CreatorID,
			NetAmount: req.NetAmount,
		})
		if err != nil {
			apierr.Ledger(c, err)
			return
		}
		c.JSONP(http.StatusCreated, entry)
	}
}

// OrderRefundedRequest is sent by checkout when an order is refunded. The
// amount is positive.
type OrderRefundedRequest struct {
	OrderID   string `json:"orderId" binding:"required"`
	CreatorID int    `json:"creatorId" binding:"required"`
	Amount    int64  `json:"amount"`
}

func orderRefunded() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req OrderRefundedRequest
		if c.BindJSON(&req) != nil {
			return
		}

		entry, err := earnings.RecordRefund(c.Request.Context(), ledger.OrderRefunded{
			OrderID:   req.OrderID,
			CreatorID: req.CreatorID,
			Amount:    req.Amount,
		})
		if err != nil {
			apierr.Ledger(c, err)
			return
		}
		c.JSONP(http.StatusCreated, entry)
	}
}

// PayoutConfirmedRequest is sent by the payout processor once it tried
// paying out an approved withdrawal
type PayoutConfirmedRequest struct {
	WithdrawalID string  `json:"withdrawalId" binding:"required"`
	Success      *bool   `json:"success" binding:"required"`
	TransferRef  *string `json:"transferRef"`
	Reason       string  `json:"reason"`
}

func payoutConfirmed() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PayoutConfirmedRequest
		if c.BindJSON(&req) != nil {
			return
		}

		updated, err := earnings.HandlePayoutConfirmation(c.Request.Context(), ledger.PayoutConfirmation{
			WithdrawalID: req.WithdrawalID,
			Success:      *req.Success,
			TransferRef:  req.TransferRef,
			Reason:       req.Reason,
		})
		if err != nil {
			apierr.Ledger(c, err)
			return
		}
		c.JSONP(http.StatusOK, updated)
	}
}
