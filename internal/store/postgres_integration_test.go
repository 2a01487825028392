// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package store_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/holomush/pluginhost/internal/store"
)

// setupPostgresContainer starts PostgreSQL, applies migrations and returns a store.
func setupPostgresContainer() (*store.PostgresStore, func(), error) {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("pluginhost_test"),
		postgres.WithUsername("pluginhost"),
		postgres.WithPassword("pluginhost"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, nil, err
	}

	migrator, err := store.NewMigrator(connStr)
	if err != nil {
		return nil, nil, err
	}
	if err := migrator.Up(); err != nil {
		return nil, nil, err
	}
	_ = migrator.Close()

	s, err := store.NewPostgresStore(ctx, connStr)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		s.Close()
		_ = container.Terminate(ctx)
	}
	return s, cleanup, nil
}

var _ = Describe("PostgresStore", func() {
	var (
		s       *store.PostgresStore
		cleanup func()
		ctx     context.Context
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		s, cleanup, err = setupPostgresContainer()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		cleanup()
	})

	It("round-trips fields and reports existence", func() {
		Expect(s.Write(ctx, "handler:h1", "paths", `["./plugins"]`)).To(Succeed())

		v, err := s.Read(ctx, "handler:h1", "paths")
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(Equal(`["./plugins"]`))

		ok, err := s.Exists(ctx, "handler:h1", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		v, err = s.Read(ctx, "handler:h1", "missing")
		Expect(err).NotTo(HaveOccurred())
		Expect(v).To(BeEmpty())
	})

	It("matches wildcards across the namespace delimiter", func() {
		for _, hash := range []string{"plugin:h1:a", "plugin:h1:b", "plugin:h2:a", "value:h1:a"} {
			Expect(s.Write(ctx, hash, "f", "v")).To(Succeed())
		}

		got, err := store.Collect(s.Iterate(ctx, "*:h1:*"))
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]string{"plugin:h1:a", "plugin:h1:b", "value:h1:a"}))

		Expect(s.Destroy(ctx, "plugin:*", "")).To(Succeed())
		got, err = store.Collect(s.Iterate(ctx, "*"))
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]string{"value:h1:a"}))
	})
})
