package oracle

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/coachpo/kora/internal/domain/fhe"
)

// Announcer is the Requester used when decryption runs outside the process. It only
// records the request; an external relayer picks the handles up from the
// BatchRequested event and answers through the callback endpoint.
type Announcer struct {
	logger *log.Logger
}

// NewAnnouncer returns an Announcer logging to logger, or to stdout when nil.
func NewAnnouncer(logger *log.Logger) *Announcer {
	if logger == nil {
		logger = log.New(os.Stdout, "oracle ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Announcer{logger: logger}
}

// RequestDecryption never fails.
func (a *Announcer) RequestDecryption(_ context.Context, requestID uint64, handles []fhe.Handle) error {
	hex := make([]string, len(handles))
	for i, h := range handles {
		hex[i] = h.Hex()
	}
	a.logger.Printf("decryption request %d awaiting external relayer: [%s]", requestID, strings.Join(hex, ", "))
	return nil
}

var _ Requester = (*Announcer)(nil)
