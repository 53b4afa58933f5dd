package transfer

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRequestExpiry is how long a pending request stays valid.
	DefaultRequestExpiry = 5 * time.Minute
	// DefaultJanitorInterval is how often expired pending requests are swept.
	DefaultJanitorInterval = time.Minute
)

// Status is the lifecycle state of a TransferRequest.
type Status string

const (
	// StatusPending means the receiver has not decided yet.
	StatusPending Status = "pending"
	// StatusAccepted means bytes may be streamed.
	StatusAccepted Status = "accepted"
	// StatusRejected means the receiver declined.
	StatusRejected Status = "rejected"
)

var (
	// ErrRequestNotFound means the request ID is unknown.
	ErrRequestNotFound = errors.New("transfer request not found")
	// ErrRequestExpired means a pending request outlived its expiry.
	ErrRequestExpired = errors.New("transfer request expired")
	// ErrDecisionConflict means a second confirm tried to change a decision.
	ErrDecisionConflict = errors.New("transfer request already decided")
)

// TransferRequest is one proposed transfer, owned by the receiver process.
type TransferRequest struct {
	RequestID  string
	Filename   string
	FileSize   int64
	SenderName string
	SenderID   string
	SenderIP   string
	SenderPort int
	CreatedAt  time.Time
	Status     Status
}

// RequestStore holds pending transfer requests. It is mutated from the HTTP
// handler goroutines and from the host application, so every access takes
// the mutex.
type RequestStore struct {
	mu       sync.Mutex
	requests map[string]*TransferRequest

	expiry time.Duration
	now    func() time.Time
}

// NewRequestStore creates a store with the given pending-request expiry.
func NewRequestStore(expiry time.Duration, now func() time.Time) *RequestStore {
	if expiry <= 0 {
		expiry = DefaultRequestExpiry
	}
	if now == nil {
		now = time.Now
	}
	return &RequestStore{
		requests: make(map[string]*TransferRequest),
		expiry:   expiry,
		now:      now,
	}
}

// Add creates a pending request with a fresh ID and returns it.
func (s *RequestStore) Add(filename string, fileSize int64, senderName, senderID, senderIP string, senderPort int) TransferRequest {
	request := TransferRequest{
		RequestID:  uuid.NewString(),
		Filename:   filename,
		FileSize:   fileSize,
		SenderName: senderName,
		SenderID:   senderID,
		SenderIP:   senderIP,
		SenderPort: senderPort,
		CreatedAt:  s.now(),
		Status:     StatusPending,
	}

	s.mu.Lock()
	s.requests[request.RequestID] = &request
	s.mu.Unlock()

	return request
}

// Get returns a request by ID. A pending request past its expiry is evicted
// and reported as ErrRequestExpired; decided requests never expire because
// the sender still needs to observe the decision.
func (s *RequestStore) Get(requestID string) (TransferRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	request, ok := s.requests[requestID]
	if !ok {
		return TransferRequest{}, ErrRequestNotFound
	}
	if request.Status == StatusPending && s.expired(request) {
		delete(s.requests, requestID)
		return TransferRequest{}, ErrRequestExpired
	}
	return *request, nil
}

// Confirm applies a decision. The pending → accepted|rejected transition
// happens exactly once: an identical repeat is idempotent, a conflicting
// repeat fails with ErrDecisionConflict and keeps the stored decision.
func (s *RequestStore) Confirm(requestID string, accepted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	request, ok := s.requests[requestID]
	if !ok {
		return ErrRequestNotFound
	}

	decision := StatusRejected
	if accepted {
		decision = StatusAccepted
	}

	if request.Status != StatusPending {
		if request.Status == decision {
			return nil
		}
		return ErrDecisionConflict
	}

	if s.expired(request) {
		delete(s.requests, requestID)
		return ErrRequestExpired
	}

	request.Status = decision
	return nil
}

// Remove deletes a request, typically after its byte stream completed.
func (s *RequestStore) Remove(requestID string) {
	s.mu.Lock()
	delete(s.requests, requestID)
	s.mu.Unlock()
}

// SweepExpired evicts pending requests past their expiry and returns their
// IDs. Accepted requests are left alone; their transfer may legitimately
// outlive the expiry window.
func (s *RequestStore) SweepExpired() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for id, request := range s.requests {
		if request.Status == StatusPending && s.expired(request) {
			delete(s.requests, id)
			expired = append(expired, id)
		}
	}
	return expired
}

// Len returns the number of stored requests.
func (s *RequestStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *RequestStore) expired(request *TransferRequest) bool {
	return s.now().Sub(request.CreatedAt) > s.expiry
}
