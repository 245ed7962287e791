// Package payout hands approved withdrawals to the external payout
// processor, and signs and verifies the messages exchanged with it.
package payout

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/earnings/async"
	"gitlab.com/arcanecrypto/earnings/build"
	"gitlab.com/arcanecrypto/earnings/ledger"
	"gitlab.com/arcanecrypto/earnings/models/withdrawals"
)

var log = build.AddSubLogger("PYOT")

// SignatureHeader carries the hex encoded HMAC-SHA256 of the request body,
// in both directions
const SignatureHeader = "X-Earnings-Signature"

const (
	defaultAttempts = 5
	defaultBackoff  = time.Second
)

// HttpSender sends HTTP requests. *http.Client satisfies it.
type HttpSender interface {
	Do(req *http.Request) (*http.Response, error)
}

// Body is what we POST to the payout processor when a withdrawal is
// approved
type Body struct {
	WithdrawalID string                   `json:"withdrawalId"`
	CreatorID    int                      `json:"creatorId"`
	Amount       int64                    `json:"amount"`
	PayoutMethod withdrawals.PayoutMethod `json:"payoutMethod"`
	ApprovedAt   time.Time                `json:"approvedAt"`
}

// BodyFor creates the body sent for the given request
func BodyFor(request withdrawals.Request) Body {
	return Body{
		WithdrawalID: request.ID,
		CreatorID:    request.CreatorID,
		Amount:       request.Amount,
		PayoutMethod: request.PayoutMethod,
		ApprovedAt:   request.UpdatedAt,
	}
}

// Config configures the notifier
type Config struct {
	// URL is where approved withdrawals are POSTed. If empty, nothing is
	// sent.
	URL string
	// Secret is the shared HMAC key
	Secret []byte
	// Attempts defaults to 5, and Backoff to one second. The backoff doubles
	// after each attempt.
	Attempts int
	Backoff  time.Duration
}

// Notifier POSTs approved withdrawals to the payout processor
type Notifier struct {
	conf   Config
	sender HttpSender
}

var _ ledger.PayoutNotifier = &Notifier{}

// NewNotifier creates a notifier. If sender is nil, http.DefaultClient is
// used.
func NewNotifier(conf Config, sender HttpSender) *Notifier {
	if sender == nil {
		sender = http.DefaultClient
	}
	if conf.Attempts <= 0 {
		conf.Attempts = defaultAttempts
	}
	if conf.Backoff <= 0 {
		conf.Backoff = defaultBackoff
	}
	return &Notifier{conf: conf, sender: sender}
}

// NotifyApproved sends the request to the payout processor in the
// background. Failures are logged, the processor is expected to poll for
// withdrawals it missed.
func (n *Notifier) NotifyApproved(ctx context.Context, request withdrawals.Request) {
	logger := log.WithFields(logrus.Fields{
		"withdrawalId": request.ID,
		"url":          n.conf.URL,
	})
	if n.conf.URL == "" {
		logger.Debug("No payout URL configured, not notifying")
		return
	}

	body, err := json.Marshal(BodyFor(request))
	if err != nil {
		logger.WithError(err).Error("Could not marshal withdrawal into JSON")
		return
	}

	go func() {
		var status int
		err := async.Retry(n.conf.Attempts, n.conf.Backoff, func() error {
			var err error
			status, err = n.post(ctx, body)
			return err
		})
		if err != nil {
			logger.WithError(err).Error("Could not notify payout processor")
			return
		}
		logger.WithField("status", status).Info("Notified payout processor")
	}()
}

func (n *Notifier) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.conf.URL, bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrap(err, "could not create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(n.conf.Secret, body))

	res, err := n.sender.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return res.StatusCode, fmt.Errorf("payout processor responded with %d", res.StatusCode)
	}
	return res.StatusCode, nil
}

// Sign computes the hex encoded HMAC-SHA256 of body
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks that signature is the signature of body. The comparison
// takes constant time.
func Verify(secret, body []byte, signature string) bool {
	decoded, err := hex.DecodeString(signature)
	if err != nil || len(secret) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hmac.Equal(decoded, mac.Sum(nil))
}
