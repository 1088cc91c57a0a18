package sessions_test

import (
	"testing"

	"github.com/ggoodman/credgate/sessions"
	"github.com/ggoodman/credgate/sessions/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) sessions.Store {
		return sessions.NewMemoryStore()
	})
}
