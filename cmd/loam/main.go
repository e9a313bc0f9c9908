// Command loam is a small shell around a database file: inspect it, insert
// documents and run filter queries without writing a program.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loamdb/loam"
	"github.com/loamdb/loam/core/bson"
)

var dbPath string

var rootCmd = &cobra.Command{
	Use:   "loam",
	Short: "embedded document database",
	Long: `loam stores collections of documents in a single file with an
accompanying redo log. Every subcommand operates on the file given
with --db.`,
	SilenceUsage: true,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show file and collection statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(true, func(db *loam.DB) error {
			fi, err := os.Stat(dbPath)
			if err != nil {
				return err
			}
			fmt.Printf("data file : %s (%d bytes)\n", dbPath, fi.Size())
			if li, err := os.Stat(loam.LogPath(dbPath)); err == nil {
				fmt.Printf("redo log  : %s (%d bytes)\n", loam.LogPath(dbPath), li.Size())
			}
			names, err := db.Collections()
			if err != nil {
				return err
			}
			fmt.Printf("collections: %d\n", len(names))
			for _, name := range names {
				n, err := db.Count(name, "")
				if err != nil {
					return err
				}
				fmt.Printf("  %-24s %d documents\n", name, n)
			}
			return nil
		})
	},
}

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "List collection names",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(true, func(db *loam.DB) error {
			names, err := db.Collections()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		})
	},
}

var insertCmd = &cobra.Command{
	Use:   "insert [collection] [json document]",
	Short: "Insert a JSON document into a collection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := documentFromJSON(args[1])
		if err != nil {
			return fmt.Errorf("parsing document: %w", err)
		}
		return withDB(false, func(db *loam.DB) error {
			id, err := db.Insert(args[0], doc)
			if err != nil {
				return err
			}
			fmt.Printf("inserted _id %s\n", id)
			return nil
		})
	},
}

var findCmd = &cobra.Command{
	Use:   "find [collection] [filter]",
	Short: "Print documents matching a filter expression",
	Long: `find prints every document in the collection that matches the
filter, one per line. Without a filter it prints the whole
collection in _id order.

  loam --db app.db find people '$.age >= 30 AND $.name LIKE "Jo%"'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := ""
		if len(args) == 2 {
			filter = args[1]
		}
		return withDB(true, func(db *loam.DB) error {
			docs, err := db.Find(args[0], filter)
			if err != nil {
				return err
			}
			for _, doc := range docs {
				fmt.Println(doc)
			}
			fmt.Fprintf(os.Stderr, "%d document(s)\n", len(docs))
			return nil
		})
	},
}

func withDB(readOnly bool, fn func(db *loam.DB) error) error {
	if dbPath == "" {
		return fmt.Errorf("--db is required")
	}
	if readOnly {
		if _, err := os.Stat(dbPath); err != nil {
			return fmt.Errorf("database %s does not exist", dbPath)
		}
	}
	db, err := loam.Open(loam.Options{Path: dbPath, ReadOnly: readOnly})
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

// documentFromJSON converts one JSON object into a document. Numbers stay
// integers when they have no fraction.
func documentFromJSON(src string) (*bson.Document, error) {
	dec := json.NewDecoder(strings.NewReader(src))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	v, err := valueFromJSON(raw)
	if err != nil {
		return nil, err
	}
	return v.Document(), nil
}

func valueFromJSON(raw any) (bson.Value, error) {
	switch x := raw.(type) {
	case nil:
		return bson.Null(), nil
	case bool:
		return bson.Boolean(x), nil
	case string:
		return bson.String(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return bson.Int64(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return bson.Null(), err
		}
		return bson.Double(f), nil
	case []any:
		items := make([]bson.Value, 0, len(x))
		for _, e := range x {
			v, err := valueFromJSON(e)
			if err != nil {
				return bson.Null(), err
			}
			items = append(items, v)
		}
		return bson.Array(items), nil
	case map[string]any:
		doc := bson.NewDocument()
		for _, k := range sortedKeys(x) {
			v, err := valueFromJSON(x[k])
			if err != nil {
				return bson.Null(), err
			}
			doc.Set(k, v)
		}
		return bson.DocumentValue(doc), nil
	default:
		return bson.Null(), fmt.Errorf("unsupported JSON value %T", raw)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	// _id leads when present so generated output reads naturally
	for i, k := range keys {
		if k == "_id" && i > 0 {
			copy(keys[1:i+1], keys[:i])
			keys[0] = "_id"
			break
		}
	}
	return keys
}

func main() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the database file")
	rootCmd.AddCommand(infoCmd, collectionsCmd, insertCmd, findCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
