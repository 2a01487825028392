// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package plugin_test

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/tidwall/gjson"

	"github.com/holomush/pluginhost/internal/plugin"
	"github.com/holomush/pluginhost/internal/plugin/hostfunc"
	pluginlua "github.com/holomush/pluginhost/internal/plugin/lua"
	"github.com/holomush/pluginhost/internal/store"
)

var _ = Describe("Handler on PostgreSQL", Ordered, func() {
	var (
		ctx       context.Context
		container *postgres.PostgresContainer
		pg        *store.PostgresStore
		factory   *plugin.Factory
	)

	BeforeAll(func() {
		ctx = context.Background()
		var err error
		container, err = postgres.Run(ctx,
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
		Expect(err).NotTo(HaveOccurred())

		connStr, err := container.ConnectionString(ctx, "sslmode=disable")
		Expect(err).NotTo(HaveOccurred())

		migrator, err := store.NewMigrator(connStr)
		Expect(err).NotTo(HaveOccurred())
		Expect(migrator.Up()).To(Succeed())
		Expect(migrator.Close()).To(Succeed())

		pg, err = store.NewPostgresStore(ctx, connStr)
		Expect(err).NotTo(HaveOccurred())

		runner := pluginlua.NewRunnerWithFunctions(hostfunc.New(plugin.NewValues(pg), nil))
		factory = plugin.NewFactory(pg, runner, pluginlua.Composer{})
	})

	AfterAll(func() {
		if pg != nil {
			pg.Close()
		}
		if container != nil {
			_ = container.Terminate(ctx)
		}
	})

	It("extends, dispatches and removes plugins", func() {
		h, err := factory.Handler("integration")
		Expect(err).NotTo(HaveOccurred())
		_, err = h.Init(ctx, nil)
		Expect(err).NotTo(HaveOccurred())

		_, err = h.Add(ctx, &plugin.Header{ID: "greeter", Extends: []string{"base"}, Events: []string{"greet"}},
			plugin.Configuration{"name": "pg"},
			`return { greet = function(ctx) return host_name(ctx) end }`)
		Expect(err).NotTo(HaveOccurred())
		_, err = h.Add(ctx, &plugin.Header{ID: "base", Events: []string{"greet"}}, plugin.Configuration{},
			`host_name = function(ctx) return "hello " .. ctx.config.name end
return {}`)
		Expect(err).NotTo(HaveOccurred())

		responses, err := h.Fire(ctx, "greet", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(responses).To(HaveLen(1))
		Expect(string(responses["greeter"])).To(MatchJSON(`"hello pg"`))

		Expect(h.Remove(ctx, "greeter")).To(Succeed())
		ids, err := h.Plugins(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(ids).To(ConsistOf("base"))

		Expect(h.Stop(ctx)).To(Succeed())
		exists, err := h.Exists(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeFalse())
	})

	It("broadcasts to many plugins in batches", func() {
		h, err := factory.Handler("broadcast")
		Expect(err).NotTo(HaveOccurred())

		for i := range 120 {
			_, err := h.Add(ctx, &plugin.Header{ID: fmt.Sprintf("r%03d", i), Events: []string{"idle"}},
				plugin.Configuration{},
				`return { message = function(ctx)
  host.kv_set("last", ctx.params.message)
  return ctx.plugin_id
end }`)
			Expect(err).NotTo(HaveOccurred())
		}

		responses, err := h.SendMessage(ctx, "", nil, "ping")
		Expect(err).NotTo(HaveOccurred())
		Expect(responses).To(HaveLen(120))
		Expect(gjson.ParseBytes(responses["r119"]).String()).To(Equal("r119"))

		last, err := h.GetValue(ctx, "r007", "last")
		Expect(err).NotTo(HaveOccurred())
		Expect(last).To(Equal("ping"))
	})
})
