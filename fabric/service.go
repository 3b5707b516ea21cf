package fabric

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultServiceTTL is how long a registration stays valid without refresh
const DefaultServiceTTL = 60 * time.Minute

// ServiceInfo describes a service registration: the service type, a unique
// instance id and the request handler for each topic the service answers.
type ServiceInfo struct {
	ServiceType string
	ServiceID   string
	Metadata    map[string]string
	TTL         time.Duration

	mu       sync.RWMutex
	handlers map[string]RequestHandler
}

// NewServiceInfo creates a registration for serviceType with a fresh id
func NewServiceInfo(serviceType string) *ServiceInfo {
	return &ServiceInfo{
		ServiceType: serviceType,
		ServiceID:   uuid.NewString(),
		Metadata:    make(map[string]string),
		TTL:         DefaultServiceTTL,
		handlers:    make(map[string]RequestHandler),
	}
}

// AddTopic binds handler to topic, replacing any previous binding
func (s *ServiceInfo) AddTopic(topic string, handler RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handlers == nil {
		s.handlers = make(map[string]RequestHandler)
	}
	s.handlers[topic] = handler
}

// Handler returns the handler bound to topic
func (s *ServiceInfo) Handler(topic string) (RequestHandler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[topic]
	return h, ok
}

// Topics returns the registered topics in sorted order
func (s *ServiceInfo) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topics := make([]string, 0, len(s.handlers))
	for t := range s.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}
