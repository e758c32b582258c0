package buscli_test

import (
	"bytes"
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/urfave/cli/v2"

	"github.com/cri-o/busconn/internal/buscli"
	"github.com/cri-o/busconn/internal/config"
	"github.com/cri-o/busconn/pkg/connection"
	"github.com/cri-o/busconn/pkg/transport/loopback"
)

// newApp returns an app with the global flags whose default action stores
// the merged config in conf.
func newApp(conf **config.Config) (*cli.App, *bytes.Buffer) {
	out := &bytes.Buffer{}
	app := cli.NewApp()
	app.Flags, app.Metadata = buscli.GetFlagsAndMetadata()
	app.Writer = out
	app.Commands = []*cli.Command{buscli.ConfigCommand, buscli.VersionCommand}
	app.Action = func(c *cli.Context) (err error) {
		*conf, err = buscli.GetAndMergeConfigFromContext(c)
		return err
	}
	return app, out
}

// The actual test suite
var _ = t.Describe("BusCLI", func() {
	var conf *config.Config

	BeforeEach(func() {
		conf = nil
	})

	It("should use the defaults without a config file", func() {
		// Given
		app, _ := newApp(&conf)

		// When
		err := app.Run([]string{"busconn", "--config", ""})

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(conf.Address).To(Equal(config.DefaultAddress))
		Expect(conf.BuiltinFilters).To(BeTrue())
	})

	It("should tolerate a missing default config file", func() {
		// Given
		app, _ := newApp(&conf)

		// When
		err := app.Run([]string{"busconn"})

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(conf.LogLevel).To(Equal("info"))
	})

	It("should fail on a missing explicit config file", func() {
		// Given
		app, _ := newApp(&conf)

		// When
		err := app.Run([]string{"busconn", "--config", "/does/not/exist.conf"})

		// Then
		Expect(err).To(HaveOccurred())
	})

	It("should override the config file with flags", func() {
		// Given
		path := t.MustWriteFile("busconn.conf", `
[busconn]
log_level = "debug"

[busconn.connection]
address = "unix:path=/from/file"
reply_timeout = "3s"
`)
		app, _ := newApp(&conf)

		// When
		err := app.Run([]string{
			"busconn", "--config", path,
			"--address", "tcp:host=127.0.0.1,port=1234",
			"--max-message-size", "1MiB",
			"--route-peer-messages",
			"--builtin-filters=false",
		})

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(conf.LogLevel).To(Equal("debug"))
		Expect(conf.Address).To(Equal("tcp:host=127.0.0.1,port=1234"))
		Expect(conf.ReplyTimeout).To(Equal("3s"))
		Expect(conf.MaxMessageSize).To(Equal("1MiB"))
		Expect(conf.RoutePeerMessages).To(BeTrue())
		Expect(conf.BuiltinFilters).To(BeFalse())
	})

	It("should print the configuration as TOML", func() {
		// Given
		app, out := newApp(&conf)

		// When
		err := app.Run([]string{"busconn", "--config", "", "--address", "unix:path=/tmp/x", "config"})

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(out.String()).To(ContainSubstring("[busconn.connection]"))
		Expect(out.String()).To(ContainSubstring(`address = "unix:path=/tmp/x"`))
	})

	It("should print the default configuration", func() {
		// Given
		app, out := newApp(&conf)

		// When
		err := app.Run([]string{"busconn", "--config", "", "--address", "unix:path=/tmp/x", "config", "--default"})

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(out.String()).To(ContainSubstring(config.DefaultAddress))
	})

	It("should print the version as JSON", func() {
		// Given
		app, out := newApp(&conf)

		// When
		err := app.Run([]string{"busconn", "version", "--json"})

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(out.String()).To(ContainSubstring(`"version"`))
	})

	It("should translate the connection settings", func() {
		// Given
		cc := config.DefaultConfig().ConnectionConfig
		cc.ReplyTimeout = "2s"
		cc.MaxReceivedSize = "1KiB"
		cc.MaxMessageSize = "512"
		opts, err := buscli.ConnectionOptions(&cc)
		Expect(err).NotTo(HaveOccurred())
		a, _ := loopback.Pair()

		// When
		conn, err := connection.New(context.Background(), a, opts...)
		Expect(err).NotTo(HaveOccurred())
		err = buscli.ApplyLimits(conn, &cc)

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(conn.MaxReceivedSize()).To(BeEquivalentTo(1024))
		Expect(conn.MaxMessageSize()).To(BeEquivalentTo(512))
		conn.Close() //nolint:errcheck
		for conn.PopMessage() != nil {
		}
		conn.Unref()
	})

	It("should reject invalid reply timeouts", func() {
		// Given
		cc := config.DefaultConfig().ConnectionConfig
		cc.ReplyTimeout = "soon"

		// When
		_, err := buscli.ConnectionOptions(&cc)

		// Then
		Expect(err).To(HaveOccurred())
	})
})
