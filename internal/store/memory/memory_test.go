package memory

import (
	"testing"

	"reservo/internal/store"
	"reservo/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New()
	})
}
