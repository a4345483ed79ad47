// Copyright 2025 The TupleKV Authors
// This file is part of TupleKV.
//
// TupleKV is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// TupleKV is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with TupleKV. If not, see <http://www.gnu.org/licenses/>.

// tuplekv is the maintenance CLI: inspect and edit a database file without
// writing a program.
//
// Keys are written as slash-separated parts. A part is text unless it
// carries a type prefix or is a bare boolean:
//
//	users/alice          [Text("users"), Text("alice")]
//	jobs/int:42          [Text("jobs"), Int(42)]
//	pts/f:3.14           [Text("pts"), Double(3.14)]
//	raw/hex:00ff         [Text("raw"), Bytes{0x00,0xff}]
//	flags/true           [Text("flags"), Bool(true)]
//	str:true             [Text("true")]
//
// Values are JSON; anything that does not parse as JSON is stored as a
// plain string.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/erigontech/tuplekv"
	"github.com/erigontech/tuplekv/tuple"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "tuplekv:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dbPath  string
		verbose bool
	)

	root := &cobra.Command{
		Use:           "tuplekv",
		Short:         "inspect and edit a tuplekv database file",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "", "database file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	_ = root.MarkPersistentFlagRequired("db")

	open := func() (*tuplekv.DB, error) {
		log := zap.NewNop()
		if verbose {
			var err error
			if log, err = zap.NewDevelopment(); err != nil {
				return nil, err
			}
		}
		return tuplekv.Open(dbPath, &tuplekv.Options{Logger: log})
	}

	root.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "read one entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			e, err := db.Get(cmd.Context(), key)
			if err != nil {
				return err
			}
			if !e.Present() {
				return fmt.Errorf("%s: not found", e.Key)
			}
			printEntry(e)
			return nil
		},
	})

	var setTTL time.Duration
	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "write one entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			value := parseValue(args[1])
			var vs string
			if setTTL > 0 {
				vs, err = db.SetWithTTL(cmd.Context(), key, value, setTTL)
			} else {
				vs, err = db.Set(cmd.Context(), key, value)
			}
			if err != nil {
				return err
			}
			fmt.Println(vs)
			return nil
		},
	}
	setCmd.Flags().DurationVar(&setTTL, "ttl", 0, "expire the entry after this duration")
	root.AddCommand(setCmd)

	root.AddCommand(&cobra.Command{
		Use:   "delete <key>",
		Short: "remove one entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args[0])
			if err != nil {
				return err
			}
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Delete(cmd.Context(), key)
		},
	})

	var (
		listLimit   int
		listReverse bool
	)
	listCmd := &cobra.Command{
		Use:   "list [prefix]",
		Short: "scan entries under a prefix (everything when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := tuple.Key{}
			if len(args) == 1 {
				var err error
				if prefix, err = parseKey(args[0]); err != nil {
					return err
				}
			}
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			it, err := db.List(
				tuplekv.Selector{Prefix: prefix},
				tuplekv.ListOptions{Limit: listLimit, Reverse: listReverse},
			)
			if err != nil {
				return err
			}
			defer it.Close()
			for {
				e, err := it.Next(cmd.Context())
				if err != nil {
					return err
				}
				if e == nil {
					return nil
				}
				printEntry(*e)
			}
		},
	}
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "stop after this many entries (0 = all)")
	listCmd.Flags().BoolVar(&listReverse, "reverse", false, "descending key order")
	root.AddCommand(listCmd)

	root.AddCommand(&cobra.Command{
		Use:   "stat",
		Short: "print entry count and backing path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			st, err := db.Stat(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("entries\t%d\npath\t%s\n", st.Entries, st.Path)
			return nil
		},
	})

	return root.ExecuteContext(context.Background())
}

func printEntry(e tuplekv.Entry) {
	val, err := json.Marshal(e.Value)
	if err != nil {
		val = []byte(fmt.Sprintf("%v", e.Value))
	}
	fmt.Printf("%s\t%s\t%s\n", e.Key, val, e.Versionstamp)
}

// parseKey reads the slash-separated textual tuple syntax.
func parseKey(s string) (tuple.Key, error) {
	if s == "" {
		return nil, fmt.Errorf("empty key")
	}
	var key tuple.Key
	for _, seg := range strings.Split(s, "/") {
		part, err := parsePart(seg)
		if err != nil {
			return nil, err
		}
		key = append(key, part)
	}
	return key, nil
}

func parsePart(seg string) (tuple.Part, error) {
	switch {
	case strings.HasPrefix(seg, "str:"):
		return tuple.Text(seg[4:]), nil
	case strings.HasPrefix(seg, "int:"):
		n, err := strconv.ParseInt(seg[4:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad integer part %q", seg)
		}
		return tuple.Int(n), nil
	case strings.HasPrefix(seg, "f:"):
		f, err := strconv.ParseFloat(seg[2:], 64)
		if err != nil {
			return nil, fmt.Errorf("bad double part %q", seg)
		}
		return tuple.Double(f), nil
	case strings.HasPrefix(seg, "hex:"):
		b, err := hex.DecodeString(seg[4:])
		if err != nil {
			return nil, fmt.Errorf("bad hex part %q", seg)
		}
		return tuple.Bytes(b), nil
	case seg == "true":
		return tuple.Bool(true), nil
	case seg == "false":
		return tuple.Bool(false), nil
	default:
		return tuple.Text(seg), nil
	}
}

// parseValue reads JSON, falling back to a plain string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}
