package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/szibis/metrics-relay/internal/config"
	"github.com/szibis/metrics-relay/internal/record"
	"github.com/szibis/metrics-relay/internal/router"
	"github.com/szibis/metrics-relay/internal/server"
)

// runTestMode prints the route table, then the routing decision for every
// line read from in. Lines may be full records or bare metric names. No
// backend connection is opened.
func runTestMode(cfg *config.Config, in io.Reader, out io.Writer) int {
	rc, err := cfg.RelayConfig()
	if err != nil {
		fmt.Fprintf(out, "invalid configuration: %v\n", err)
		return 1
	}

	plan := server.NewPool(rc.Server).Plan()
	defer plan.Abort()
	table, err := router.Compile(cfg.Routes, plan)
	if err != nil {
		fmt.Fprintf(out, "invalid route table: %v\n", err)
		return 1
	}
	r := router.New(table)

	if err := table.Describe(out); err != nil {
		return 1
	}
	fmt.Fprintln(out)

	now := strconv.FormatInt(time.Now().Unix(), 10)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), cfg.MaxLineLength+2)
	for sc.Scan() {
		line := sc.Text()
		rec, err := testRecord(line, now)
		switch {
		case err != nil:
			fmt.Fprintf(out, "%s\n    => %v\n", strings.TrimSpace(line), err)
			continue
		case rec == nil:
			continue
		}
		if err := r.Explain(out, rec); err != nil {
			return 1
		}
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintf(out, "reading input: %v\n", err)
		return 1
	}
	return 0
}

// testRecord parses line as a record. A bare name gets a zero value and
// the current time. Blank lines yield nil.
func testRecord(line, now string) (*record.Record, error) {
	switch len(strings.Fields(line)) {
	case 0:
		return nil, nil
	case 1:
		return record.Parse([]byte(strings.TrimSpace(line) + " 0 " + now))
	default:
		return record.Parse([]byte(line))
	}
}
