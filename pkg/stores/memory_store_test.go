package stores_test

import (
	"testing"

	"github.com/openfroyo/patchwork/pkg/engine"
	"github.com/openfroyo/patchwork/pkg/stores"
	"github.com/openfroyo/patchwork/pkg/stores/storetest"
)

func TestMemoryStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, codec engine.ManifestCodec) stores.Store {
		return stores.NewMemoryStore(codec)
	})
}
