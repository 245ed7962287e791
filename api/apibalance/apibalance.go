// Package apibalance provides HTTP handlers for creators reading their
// balance and ledger history
package apibalance

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"gitlab.com/arcanecrypto/earnings/api/apierr"
	"gitlab.com/arcanecrypto/earnings/api/auth"
	"gitlab.com/arcanecrypto/earnings/ledger"
)

// services that gets initiated in RegisterRoutes
var earnings *ledger.Ledger

// RegisterRoutes applies the authMiddleware to this packages routes
// and registers routes on the gin Engine parameter
func RegisterRoutes(server *gin.Engine, l *ledger.Ledger, authmiddleware gin.HandlerFunc) {
	earnings = l

	balance := server.Group("")
	balance.Use(authmiddleware)

	balance.GET("/balance", getBalance())
	balance.GET("/entries", getEntries())
}

// getBalance returns the balance of the authenticated creator
func getBalance() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := auth.RequireRole(c, auth.Creator)
		if !ok {
			return
		}

		balance, err := earnings.GetBalance(c.Request.Context(), info.UserID)
		if err != nil {
			apierr.Ledger(c, err)
			return
		}
		c.JSONP(http.StatusOK, balance)
	}
}

// getEntries lists the ledger entries of the authenticated creator, oldest
// first. Takes two URL parameters, `sinceId` and `limit`
func getEntries() gin.HandlerFunc {
	type Params struct {
		SinceID int64 `form:"sinceId" binding:"gte=0"`
		Limit   int   `form:"limit" binding:"gte=0"`
	}

	return func(c *gin.Context) {
		info, ok := auth.RequireRole(c, auth.Creator)
		if !ok {
			return
		}

		var params Params
		if c.BindQuery(&params) != nil {
			return
		}

		found, err := earnings.History(c.Request.Context(), info.UserID, params.SinceID, params.Limit)
		if err != nil {
			apierr.Ledger(c, err)
			return
		}
		c.JSONP(http.StatusOK, found)
	}
}
