// Package httptestutil runs requests against our HTTP server in tests
package httptestutil

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"

	"github.com/tidwall/gjson"

	"gitlab.com/arcanecrypto/earnings/payout"
	"gitlab.com/arcanecrypto/earnings/testutil"
)

// Server is something that can serve HTTP requests
type Server interface {
	ServeHTTP(response http.ResponseWriter, request *http.Request)
}

// TestHarness is a structure that allows us to execute tests that need
// HTTP serving capabilities
type TestHarness struct {
	server Server
}

func NewTestHarness(server Server) TestHarness {
	return TestHarness{server: server}
}

// RequestArgs describes a request. AccessToken is the full value of the
// authorization header. If Secret is set, the body is signed with it.
type RequestArgs struct {
	Path        string
	Method      string
	Body        string
	AccessToken string
	Secret      []byte
}

// GetRequest returns a HTTP request with an optional JSON body
func GetRequest(t testutil.T, args RequestArgs) *http.Request {
	t.Helper()
	if args.Path == "" {
		testutil.FatalMsg(t, "You forgot to set Path")
	}
	if args.Method == "" {
		testutil.FatalMsg(t, "You forgot to set Method")
	}
	if args.Body != "" && !json.Valid([]byte(args.Body)) {
		testutil.FatalMsgf(t, "Body was not valid JSON: %s", args.Body)
	}

	req, err := http.NewRequest(args.Method, args.Path, bytes.NewBufferString(args.Body))
	if err != nil {
		testutil.FatalMsgf(t, "Couldn't construct request: %+v", err)
	}
	if args.Body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if args.AccessToken != "" {
		req.Header.Set("Authorization", args.AccessToken)
	}
	if args.Secret != nil {
		req.Header.Set(payout.SignatureHeader, payout.Sign(args.Secret, []byte(args.Body)))
	}
	return req
}

func extractMethodAndPath(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

func (harness *TestHarness) serve(request *http.Request) *httptest.ResponseRecorder {
	response := httptest.NewRecorder()
	harness.server.ServeHTTP(response, request)
	return response
}

// AssertResponseOk performs the given request against the API, and asserts
// that the response has a 2xx code
func (harness *TestHarness) AssertResponseOk(t testutil.T, request *http.Request) *httptest.ResponseRecorder {
	t.Helper()

	response := harness.serve(request)
	if response.Code < 200 || response.Code > 299 {
		testutil.FatalMsgf(t, "Got failure code (%d) on path %s: %s",
			response.Code, extractMethodAndPath(request), compact(response.Body.Bytes()))
	}
	return response
}

// AssertResponseOkWithJson performs `AssertResponseOk`, then asserts that the
// body of the response is JSON, and returns it
func (harness *TestHarness) AssertResponseOkWithJson(t testutil.T, request *http.Request) gjson.Result {
	t.Helper()
	response := harness.AssertResponseOk(t, request)
	body := response.Body.Bytes()
	if !gjson.ValidBytes(body) {
		testutil.FatalMsgf(t, "Body of %s was not JSON: %s", extractMethodAndPath(request), string(body))
	}
	if result := gjson.ParseBytes(body); result.Get("error").Exists() {
		testutil.FatalMsgf(t, "Successful response to %s had an error: %s",
			extractMethodAndPath(request), compact(body))
	}
	return gjson.ParseBytes(body)
}

// AssertResponseNotOkWithCode checks that the given request fails with the
// given HTTP status and error code, in our standard error format. It returns
// the "error" object of the response.
func (harness *TestHarness) AssertResponseNotOkWithCode(t testutil.T, request *http.Request,
	status int, code string) gjson.Result {
	t.Helper()

	response := harness.serve(request)
	body := response.Body.Bytes()
	if response.Code != status {
		testutil.FatalMsgf(t, "Expected code (%d) does not match found code (%d) on path %s: %s",
			status, response.Code, extractMethodAndPath(request), compact(body))
	}

	errorField := gjson.GetBytes(body, "error")
	if !errorField.IsObject() || !errorField.Get("message").Exists() || !errorField.Get("fields").IsArray() {
		testutil.FatalMsgf(t, "Response to %s was not a standard error response: %s",
			extractMethodAndPath(request), compact(body))
	}
	if found := errorField.Get("code").String(); found != code {
		testutil.FatalMsgf(t, "Expected error code %s, got %s", code, found)
	}
	return errorField
}

// compact gets rid of weird formatting, so JSON bodies print on one line
func compact(body []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return string(body)
	}
	return buf.String()
}

// ReadBody reads the body of the request, and restores it so it can be
// read again
func ReadBody(t testutil.T, request *http.Request) []byte {
	t.Helper()
	if request.Body == nil {
		return nil
	}
	body, err := ioutil.ReadAll(request.Body)
	if err != nil {
		testutil.FatalMsgf(t, "Could not read body: %v", err)
	}
	request.Body = ioutil.NopCloser(bytes.NewReader(body))
	return body
}
