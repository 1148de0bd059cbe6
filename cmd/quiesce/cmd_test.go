package main

import (
	"bytes"
	"context"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/distmc/quiesce/datarecording"
)

func execute(args ...string) (string, error) {
	out := bytes.NewBuffer(nil)

	rootCmd.SetOut(out)
	rootCmd.SetErr(GinkgoWriter)
	rootCmd.SetArgs(args)

	_, err := rootCmd.ExecuteC()

	return out.String(), err
}

var _ = Describe("quiesce", func() {
	It("should print the version", func() {
		out, err := execute("version")

		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(HavePrefix("quiesce "))
	})

	It("should simulate an exploration", func() {
		out, err := execute("simulate", "--nodes", "3",
			"--modulus", "300", "--multiplier", "7", "--fanout", "2")

		Expect(err).ToNot(HaveOccurred())
		Expect(out).To(ContainSubstring("reachable states: 300"))
		Expect(out).To(ContainSubstring("node 2:"))
	})

	It("should refuse an empty cluster", func() {
		_, err := execute("simulate", "--nodes", "0")

		Expect(err).To(MatchError(ContainSubstring("invalid number of nodes")))
	})

	It("should record a simulation", func() {
		path := filepath.Join(GinkgoT().TempDir(), "run")

		_, err := execute("simulate", "--nodes", "2",
			"--modulus", "100", "--multiplier", "3", "--fanout", "2",
			"--record", path)
		Expect(err).ToNot(HaveOccurred())

		reader := datarecording.NewReader(path + ".sqlite3")
		defer reader.Close()

		reader.MapTable(datarecording.StatsTable, datarecording.StatsEntry{})
		reader.MapTable(datarecording.ExecTable, datarecording.ExecInfo{})

		rows, total, err := reader.Query(context.Background(),
			datarecording.StatsTable, datarecording.QueryParams{})
		Expect(err).ToNot(HaveOccurred())
		Expect(total).To(Equal(2))
		Expect(rows).To(HaveLen(2))

		rows, _, err = reader.Query(context.Background(),
			datarecording.ExecTable, datarecording.QueryParams{
				Where: "Property = ?",
				Args:  []any{"Reachable"},
			})
		Expect(err).ToNot(HaveOccurred())
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].(*datarecording.ExecInfo).Value).To(Equal("100"))
	})
})
