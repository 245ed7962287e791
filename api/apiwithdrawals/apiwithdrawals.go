// Package apiwithdrawals provides HTTP handlers for creators requesting
// and following their withdrawals
package apiwithdrawals

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gitlab.com/arcanecrypto/earnings/api/apierr"
	"gitlab.com/arcanecrypto/earnings/api/auth"
	"gitlab.com/arcanecrypto/earnings/build"
	"gitlab.com/arcanecrypto/earnings/ledger"
	"gitlab.com/arcanecrypto/earnings/models/withdrawals"
)

var log = build.AddSubLogger("APIW")

// services that gets initiated in RegisterRoutes
var earnings *ledger.Ledger

// RegisterRoutes applies the authMiddleware to this packages routes and
// registers routes on the gin Engine parameter. ratelimit is applied to
// new withdrawal requests only.
func RegisterRoutes(server *gin.Engine, l *ledger.Ledger, authmiddleware gin.HandlerFunc,
	ratelimit gin.HandlerFunc) {
	earnings = l

	withdrawal := server.Group("")
	withdrawal.Use(authmiddleware)

	withdrawal.GET("/withdrawals", getAllWithdrawals())
	withdrawal.GET("/withdrawals/:id", getWithdrawalByID())
	withdrawal.POST("/withdrawals", ratelimit, requestWithdrawal())
}

// getAllWithdrawals lists the withdrawals of the authenticated creator,
// newest first. Takes two URL parameters, `limit` and `offset`
func getAllWithdrawals() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := auth.RequireRole(c, auth.Creator)
		if !ok {
			return
		}

		var page withdrawals.Page
		if c.BindQuery(&page) != nil {
			return
		}

		found, err := earnings.CreatorWithdrawals(c.Request.Context(), info.UserID, page)
		if err != nil {
			apierr.Ledger(c, err)
			return
		}
		c.JSONP(http.StatusOK, found)
	}
}

// getWithdrawalByID takes in a withdrawal ID path parameter, and fetches it
// if it belongs to the authenticated creator
func getWithdrawalByID() gin.HandlerFunc {
	type request struct {
		ID string `uri:"id" binding:"required"`
	}
	return func(c *gin.Context) {
		info, ok := auth.RequireRole(c, auth.Creator)
		if !ok {
			return
		}

		var req request
		if c.BindUri(&req) != nil {
			return
		}

		found, err := earnings.GetWithdrawal(c.Request.Context(), req.ID)
		if err != nil {
			apierr.Ledger(c, err)
			return
		}
		// other creators' withdrawals are indistinguishable from missing ones
		if found.CreatorID != info.UserID {
			apierr.Public(c, http.StatusNotFound, apierr.ErrWithdrawalNotFound)
			return
		}
		c.JSONP(http.StatusOK, found)
	}
}

// RequestWithdrawalRequest is the body of a new withdrawal request
type RequestWithdrawalRequest struct {
	Amount       int64  `json:"amount" binding:"required,gt=0"`
	PayoutMethod string `json:"payoutMethod" binding:"required,payoutmethod"`
	Note         string `json:"note" binding:"max=500"`
}

// requestWithdrawal asks for a withdrawal of the given amount. A creator
// can only have one open withdrawal at a time.
func requestWithdrawal() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := auth.RequireRole(c, auth.Creator)
		if !ok {
			return
		}

		var req RequestWithdrawalRequest
		if c.BindJSON(&req) != nil {
			return
		}

		method, err := withdrawals.ParsePayoutMethod(req.PayoutMethod)
		if err != nil {
			// the validator already checked this
			log.WithError(err).Error("Payout method passed validation but could not be parsed")
			apierr.Public(c, http.StatusBadRequest, apierr.ErrBadRequest)
			return
		}

		created, err := earnings.RequestWithdrawal(c.Request.Context(), info.Actor(), ledger.WithdrawalInput{
			CreatorID:    info.UserID,
			Amount:       req.Amount,
			PayoutMethod: method,
			Note:         req.Note,
		})
		if err != nil {
			apierr.Ledger(c, err)
			return
		}
		c.JSONP(http.StatusCreated, created)
	}
}
