// Package apiadmin provides HTTP handlers for administrators adjudicating
// withdrawals and managing creators
package apiadmin

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/earnings/api/apierr"
	"gitlab.com/arcanecrypto/earnings/api/auth"
	"gitlab.com/arcanecrypto/earnings/build"
	"gitlab.com/arcanecrypto/earnings/ledger"
	"gitlab.com/arcanecrypto/earnings/models/creators"
	"gitlab.com/arcanecrypto/earnings/models/withdrawals"
)

var log = build.AddSubLogger("APIA")

// services that gets initiated in RegisterRoutes
var earnings *ledger.Ledger

// RegisterRoutes registers the admin routes on the gin Engine parameter.
// Every route requires an admin token.
func RegisterRoutes(server *gin.Engine, l *ledger.Ledger, authmiddleware gin.HandlerFunc) {
	earnings = l

	admin := server.Group("/admin")
	admin.Use(authmiddleware, auth.RoleMiddleware(auth.Admin))

	admin.GET("/withdrawals", listWithdrawals())
	admin.GET("/withdrawals/:id", getWithdrawal())
	admin.GET("/withdrawals/:id/audit", getAudit())
	admin.PUT("/withdrawals/:id/approve", approve())
	admin.PUT("/withdrawals/:id/reject", reject())
	admin.PUT("/withdrawals/:id/complete", complete())

	admin.POST("/creators", createCreator())
	admin.GET("/creators/:id", getCreator())
	admin.GET("/creators/:id/balance", getCreatorBalance())
}

type withdrawalURI struct {
	ID string `uri:"id" binding:"required"`
}

type creatorURI struct {
	ID int `uri:"id" binding:"required,gt=0"`
}

// ListParams are the query parameters of the withdrawal listing. Times are
// RFC3339, and `to` is exclusive.
type ListParams struct {
	Status    string `form:"status" binding:"omitempty,withdrawalstatus"`
	CreatorID int    `form:"creatorId" binding:"gte=0"`
	From      string `form:"from"`
	To        string `form:"to"`
	Limit     int    `form:"limit" binding:"gte=0"`
	Offset    int    `form:"offset" binding:"gte=0"`
}

// Filter converts the parameters into a ledger filter
func (p ListParams) Filter() (withdrawals.Filter, error) {
	var filter withdrawals.Filter
	if p.Status != "" {
		status, err := withdrawals.ParseStatus(p.Status)
		if err != nil {
			return withdrawals.Filter{}, err
		}
		filter.Status = &status
	}
	if p.CreatorID != 0 {
		creatorID := p.CreatorID
		filter.CreatorID = &creatorID
	}
	for _, bound := range []struct {
		raw  string
		dest **time.Time
	}{{p.From, &filter.CreatedFrom}, {p.To, &filter.CreatedTo}} {
		if bound.raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, bound.raw)
		if err != nil {
			return withdrawals.Filter{}, errors.Wrapf(err, "%q is not an RFC3339 time", bound.raw)
		}
		*bound.dest = &parsed
	}
	return filter, nil
}

// listWithdrawals lists withdrawals across creators, newest first
func listWithdrawals() gin.HandlerFunc {
	return func(c *gin.Context) {
		var params ListParams
		if c.BindQuery(&params) != nil {
			return
		}

		filter, err := params.Filter()
		if err != nil {
			log.WithError(err).Debug("Bad withdrawal filter")
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
			return
		}

		page, err := earnings.ListWithdrawals(c.Request.Context(), filter, withdrawals.Page{
			Limit:  params.Limit,
			Offset: params.Offset,
		})
		if err != nil {
			apierr.Ledger(c, err)
			return
		}
		c.JSONP(http.StatusOK, page)
	}
}

func getWithdrawal() gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri withdrawalURI
		if c.BindUri(&uri) != nil {
			return
		}

		found, err := earnings.GetWithdrawal(c.Request.Context(), uri.ID)
		if err != nil {
			apierr.Ledger(c, err)
			return
		}
		c.JSONP(http.StatusOK, found)
	}
}

// getAudit returns every action taken on a withdrawal, oldest first
func getAudit() gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri withdrawalURI
		if c.BindUri(&uri) != nil {
			return
		}

		trail, err := earnings.WithdrawalAudit(c.Request.Context(), uri.ID)
		if err != nil {
			apierr.Ledger(c, err)
			return
		}
		c.JSONP(http.StatusOK, trail)
	}
}

// bindOptionalJSON binds the body if there is one. It returns false if the
// request was rejected.
func bindOptionalJSON(c *gin.Context, dest interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dest); err != nil && !errors.Is(err, io.EOF) {
		_ = c.AbortWithError(http.StatusBadRequest, err).SetType(gin.ErrorTypeBind)
		return false
	}
	return true
}

// ApproveRequest is the optional body of an approval
type ApproveRequest struct {
	Note *string `json:"note" binding:"omitempty,max=500"`
}

func approve() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := auth.RequireRole(c, auth.Admin)
		if !ok {
			return
		}
		var uri withdrawalURI
		if c.BindUri(&uri) != nil {
			return
		}
		var req ApproveRequest
		if !bindOptionalJSON(c, &req) {
			return
		}

		approved, err := earnings.Approve(c.Request.Context(), info.Actor(), uri.ID, req.Note)
		if err != nil {
			apierr.Ledger(c, err)
			return
		}
		c.JSONP(http.StatusOK, approved)
	}
}

// RejectRequest is the body of a rejection. The note is shown to the
// creator. ExpectedStatus is the status the admin saw the withdrawal in,
// requested if left out. The rejection fails with 409 if the withdrawal is
// no longer in that status.
type RejectRequest struct {
	Note           string `json:"note" binding:"required,notblank,max=500"`
	ExpectedStatus string `json:"expectedStatus" binding:"omitempty,withdrawalstatus"`
}

func reject() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := auth.RequireRole(c, auth.Admin)
		if !ok {
			return
		}
		var uri withdrawalURI
		if c.BindUri(&uri) != nil {
			return
		}
		var req RejectRequest
		if c.BindJSON(&req) != nil {
			return
		}

		seen := withdrawals.REQUESTED
		if req.ExpectedStatus != "" {
			// validated by the binding
			seen, _ = withdrawals.ParseStatus(req.ExpectedStatus)
		}

		rejected, err := earnings.Reject(c.Request.Context(), info.Actor(), uri.ID, seen, req.Note)
		if err != nil {
			apierr.Ledger(c, err)
			return
		}
		c.JSONP(http.StatusOK, rejected)
	}
}

// CompleteRequest is the optional body of a completion
type CompleteRequest struct {
	TransferRef *string `json:"transferRef" binding:"omitempty,max=200"`
}

func complete() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := auth.RequireRole(c, auth.Admin)
		if !ok {
			return
		}
		var uri withdrawalURI
		if c.BindUri(&uri) != nil {
			return
		}
		var req CompleteRequest
		if !bindOptionalJSON(c, &req) {
			return
		}

		completed, err := earnings.Complete(c.Request.Context(), info.Actor(), uri.ID, req.TransferRef)
		if err != nil {
			apierr.Ledger(c, err)
			return
		}
		c.JSONP(http.StatusOK, completed)
	}
}

// CreateCreatorRequest registers a creator with the ledger. If ID is left
// out one is assigned.
type CreateCreatorRequest struct {
	ID          int    `json:"id" binding:"gte=0"`
	Email       string `json:"email" binding:"required,email"`
	DisplayName string `json:"displayName" binding:"max=200"`
}

func createCreator() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateCreatorRequest
		if c.BindJSON(&req) != nil {
			return
		}

		creator, err := earnings.RegisterCreator(c.Request.Context(), creators.Creator{
			ID:          req.ID,
			Email:       strings.TrimSpace(req.Email),
			DisplayName: req.DisplayName,
		})
		if err != nil {
			apierr.Ledger(c, err)
			return
		}
		c.JSONP(http.StatusCreated, creator)
	}
}

func getCreator() gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri creatorURI
		if c.BindUri(&uri) != nil {
			return
		}

		creator, err := earnings.GetCreator(c.Request.Context(), uri.ID)
		if err != nil {
			apierr.Ledger(c, err)
			return
		}
		c.JSONP(http.StatusOK, creator)
	}
}

func getCreatorBalance() gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri creatorURI
		if c.BindUri(&uri) != nil {
			return
		}

		balance, err := earnings.GetBalance(c.Request.Context(), uri.ID)
		if err != nil {
			apierr.Ledger(c, err)
			return
		}
		c.JSONP(http.StatusOK, balance)
	}
}
