package adapter

import (
	"context"
	"sync"
)

// DocumentOpener builds an adapter for a document database scheme such
// as mongodb. The core ships relational adapters only; document support
// plugs in through this hook, usually from a driver package's init.
type DocumentOpener func(ctx context.Context, info *ConnInfo, opts Options) (Adapter, error)

var (
	documentMu      sync.RWMutex
	documentOpeners = map[string]DocumentOpener{}
)

// RegisterDocumentOpener installs an opener for a URL scheme. Later
// registrations for the same scheme replace earlier ones.
func RegisterDocumentOpener(scheme string, open DocumentOpener) {
	documentMu.Lock()
	defer documentMu.Unlock()
	documentOpeners[scheme] = open
}

func documentOpener(scheme string) DocumentOpener {
	documentMu.RLock()
	defer documentMu.RUnlock()
	return documentOpeners[scheme]
}
