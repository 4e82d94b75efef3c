package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/openfroyo/patchwork/pkg/engine"
	"github.com/openfroyo/patchwork/pkg/manifest"
	"github.com/openfroyo/patchwork/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:  ":memory:",
		Codec: manifest.NewYAMLCodec(),
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_SavePackage records a package twice; the second save
// updates the same row.
func ExampleSQLiteStore_SavePackage() {
	ctx := context.Background()
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	pkg := &engine.Package{
		ComponentID:      "Billing",
		ComponentVersion: engine.MustParseVersion("1.0"),
		PackageType:      engine.PackageTypeInstall,
		ExecutionResult:  engine.ExecutionResultUnfinished,
	}
	if err := store.SaveInitialPackage(ctx, pkg); err != nil {
		log.Fatal(err)
	}

	pkg.ExecutionResult = engine.ExecutionResultSuccessful
	if err := store.SavePackage(ctx, pkg); err != nil {
		log.Fatal(err)
	}

	packages, _ := store.ListPackages(ctx, stores.PackageFilter{})
	fmt.Println(len(packages), packages[0].ComponentID, packages[0].ExecutionResult)
	// Output: 1 Billing successful
}
