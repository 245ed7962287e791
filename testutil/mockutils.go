package testutil

import (
	"fmt"
	"io/ioutil"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"testing"
)

// GetTestEmail generates a random email for a given test
func GetTestEmail(t *testing.T) string {
	return fmt.Sprintf("%d-%s@example.com", rand.Int(), strings.ReplaceAll(t.Name(), "/", "-"))
}

// SentRequest is a request recorded by a mock HTTP sender
type SentRequest struct {
	URL    string
	Header http.Header
	Body   []byte
}

type mockHttpSender struct {
	mu       sync.Mutex
	statuses []int
	sent     []SentRequest
}

// GetMockHttpSender returns a sender that records every request. It responds
// with the given statuses in order, repeating the last one. Without any
// statuses it responds with 200.
func GetMockHttpSender(statuses ...int) *mockHttpSender {
	if len(statuses) == 0 {
		statuses = []int{http.StatusOK}
	}
	return &mockHttpSender{statuses: statuses}
}

func (m *mockHttpSender) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = ioutil.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentRequest{
		URL:    req.URL.String(),
		Header: req.Header.Clone(),
		Body:   body,
	})

	status := m.statuses[len(m.statuses)-1]
	if len(m.sent) <= len(m.statuses) {
		status = m.statuses[len(m.sent)-1]
	}
	return &http.Response{
		StatusCode: status,
		Body:       ioutil.NopCloser(strings.NewReader("")),
	}, nil
}

// GetSentRequests returns how many requests were sent
func (m *mockHttpSender) GetSentRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockHttpSender) GetSentRequest(index int) SentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[index]
}
