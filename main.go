package main

import (
	"flag"
	"log"
	"os"

	"github.com/ivmfnal/kbstorage/config"
	"github.com/ivmfnal/kbstorage/lru"
	"github.com/ivmfnal/kbstorage/storage"
)

// main is a minimal bootstrap: load config, open the storage root, wrap it
// in an LRU cache. The HTTP surface, authentication and CLI tooling that
// would sit in front of this are collaborator-owned and live elsewhere.
func main() {
	configPath := flag.String("config", "kbstorage.jsonc", "path to the JSONC config file")
	root := flag.String("root", "", "storage root directory (overrides config file)")
	flag.Parse()

	logger := log.New(os.Stderr, "kbstorage: ", log.LstdFlags)

	cfg, err := config.Load(*configPath, config.Config{Root: *root})
	if err != nil {
		logger.Fatalf("loading config: %v", err)
	}

	s, err := storage.Open(cfg.Root, storage.WithLogger(logger))
	if err != nil {
		logger.Fatalf("opening storage at %s: %v", cfg.Root, err)
	}
	defer s.Close()

	cache := lru.New(s, cfg.CacheCapacity)

	count := 0
	for range cache.Keys() {
		count++
	}
	logger.Printf("kbstorage ready at %s: %d keys, cache capacity %d", cfg.Root, count, cfg.CacheCapacity)
}
