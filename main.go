// SPDX-License-Identifier: GPL-3.0-or-later
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/vivithecanine/gloda/config"
	"github.com/vivithecanine/gloda/datastore"
	"github.com/vivithecanine/gloda/domain"
	"github.com/vivithecanine/gloda/gloda"
	"github.com/vivithecanine/gloda/log"

	"github.com/sirupsen/logrus"
)

func main() {
	log.InitLogging("debug")
	logger := log.Logger(log.LOG_MAIN)

	conf, err := config.ReadConfig("config.toml")
	if err != nil {
		logger.WithField("error", err).Fatal("Could not load config")
	}

	if conf.Loglevel != nil {
		log.SetLogLevel(*conf.Loglevel)
	}

	ds, err := datastore.NewDatastore(conf.Database)
	if err != nil {
		logger.WithField("error", err).Fatal("Could not connect to database")
	}
	defer ds.Close()

	registry := gloda.NewRegistry(ds)
	err = registry.Init()
	if err != nil {
		logger.WithField("error", err).Fatal("Could not initialize attribute registry")
	}
	defer registry.Shutdown()

	fundattr := gloda.NewFundamentalAttr(registry, ds)
	err = fundattr.DefineAttributes()
	if err != nil {
		logger.WithField("error", err).Fatal("Could not define fundamental attributes")
	}

	explattr := gloda.NewExplicitAttr(registry)
	err = explattr.DefineAttributes()
	if err != nil {
		logger.WithField("error", err).Fatal("Could not define explicit attributes")
	}

	hub := gloda.NewHub()

	indexer, err := gloda.NewIndexer(ds, registry, hub, gloda.ParseConcurrency(conf.ParseConcurrency))
	if err != nil {
		logger.WithField("error", err).Fatal("Could not start indexer")
	}

	indexer.AddListener(func(status gloda.Status, messageIndex, messageGoal int) {
		if status == gloda.StatusIndexing && messageIndex%100 == 0 {
			logger.WithFields(logrus.Fields{"done": messageIndex, "total": messageGoal}).Info("Indexing progress")
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	raws := []domain.RawMessage{}
	for _, folder := range conf.Folders {
		folderRaws, err := readFolder(folder)
		if err != nil {
			logger.WithFields(logrus.Fields{"folder": folder.URI, "error": err}).Fatal("Could not read folder")
		}
		logger.WithFields(logrus.Fields{"folder": folder.URI, "messages": len(folderRaws)}).Info("Collected folder")
		raws = append(raws, folderRaws...)
	}

	stats, err := indexer.IndexAll(ctx, raws)
	if err != nil {
		logger.WithFields(logrus.Fields{"error": err, "indexed": stats.Indexed}).Fatal("Indexing aborted")
	}
	logger.WithFields(logrus.Fields{"indexed": stats.Indexed, "failed": stats.Failed}).Info("Indexing complete")

	queries := gloda.NewQueryEngine(ds, registry, hub)
	starredAttr, ok := registry.GetAttrDef(domain.BuiltIn, "star")
	if !ok {
		logger.Fatal("Star attribute missing")
	}
	starred, err := queries.MessagesAPV([]domain.APVPredicate{{Attr: starredAttr, Values: []any{true}}})
	if err != nil {
		logger.WithField("error", err).Fatal("Could not query starred messages")
	}
	defer starred.Close()
	logger.WithField("starred", starred.Size()).Info("Summary")
}

// readFolder collects the raw messages of one configured folder. Files are
// read in name order; the position in that order doubles as the message key.
func readFolder(folder config.Folder) ([]domain.RawMessage, error) {
	entries, err := os.ReadDir(folder.Path)
	if err != nil {
		return nil, err
	}

	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".eml" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	raws := make([]domain.RawMessage, 0, len(names))
	for i, name := range names {
		raw, err := os.ReadFile(filepath.Join(folder.Path, name))
		if err != nil {
			return nil, err
		}
		raws = append(raws, domain.RawMessage{
			FolderURI:  folder.URI,
			MessageKey: uint32(i),
			Raw:        raw,
		})
	}
	return raws, nil
}
