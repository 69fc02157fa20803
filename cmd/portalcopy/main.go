// Command portalcopy copies items, groups and relationships from one
// portal to another. Endpoints and credentials come from a YAML config
// file; the item selection query comes from a flag.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v2"

	"github.com/geoportal/portalgo"
	"github.com/geoportal/portalgo/pkg/logger"
)

type endpointConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type config struct {
	Source endpointConfig `yaml:"source"`
	Target struct {
		endpointConfig `yaml:",inline"`
		Owner          string `yaml:"owner"`
		Folder         string `yaml:"folder"`
	} `yaml:"target"`
}

func loadConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Source.URL == "" || cfg.Target.URL == "" {
		return nil, fmt.Errorf("%s: source.url and target.url are required", path)
	}
	return &cfg, nil
}

func main() {
	var (
		configPath = flag.String("config", "portalcopy.yaml", "Path to the YAML config file")
		query      = flag.String("query", "", "Search query selecting items to copy (required)")
		groups     = flag.String("group-query", "", "Search query selecting groups to copy (optional)")
		relations  = flag.Bool("relationships", true, "Copy relationships between copied items")
		logPath    = flag.String("log", "", "Log file path (default stderr)")
		verbose    = flag.Bool("verbose", false, "Enable debug logging")
	)
	flag.Parse()

	if *query == "" && *groups == "" {
		fmt.Fprintln(os.Stderr, "Error: at least one of -query or -group-query is required")
		flag.Usage()
		os.Exit(1)
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	build := logger.New().Level(level)
	if *logPath != "" {
		build = build.FromPath(*logPath)
	} else {
		build = build.Console()
	}
	logData, err := build.Make()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logData.Close()
	log := logData.Logger

	if err := run(*configPath, *query, *groups, *relations, log); err != nil {
		log.Error().Err(err).Msg("portalcopy failed")
		os.Exit(1)
	}
}

func run(configPath, query, groupQuery string, relations bool, log zerolog.Logger) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	src, err := connect(cfg.Source, log)
	if err != nil {
		return fmt.Errorf("source portal: %w", err)
	}
	dst, err := connect(cfg.Target.endpointConfig, log)
	if err != nil {
		return fmt.Errorf("target portal: %w", err)
	}

	m, err := portalgo.NewMigrator(src, dst)
	if err != nil {
		return err
	}
	m.SetLogger(log)
	defer m.Close()

	if query != "" {
		records, err := src.SearchItems(portalgo.SearchOptions{Query: query})
		if err != nil {
			return fmt.Errorf("search items: %w", err)
		}
		items := make([]*portalgo.Item, 0, len(records))
		for _, rec := range records {
			id, _ := rec["id"].(string)
			if id == "" {
				continue
			}
			item, err := src.Item(id)
			if err != nil {
				log.Warn().Str("id", id).Err(err).Msg("skipping unfetchable item")
				continue
			}
			items = append(items, item)
		}
		if err := m.CopyItems(items, cfg.Target.Owner, cfg.Target.Folder); err != nil {
			return fmt.Errorf("copy items: %w", err)
		}
		log.Info().Int("requested", len(items)).Int("copied", len(m.IdentityMap())).Msg("items copied")

		if relations {
			if err := m.CopyRelationships(cfg.Target.Owner, portalgo.RelationshipTypes()); err != nil {
				return fmt.Errorf("copy relationships: %w", err)
			}
		}
	}

	if groupQuery != "" {
		records, err := src.SearchGroups(portalgo.SearchOptions{Query: groupQuery})
		if err != nil {
			return fmt.Errorf("search groups: %w", err)
		}
		groups := make([]*portalgo.Group, 0, len(records))
		for _, rec := range records {
			id, _ := rec["id"].(string)
			if id == "" {
				continue
			}
			g, err := src.Group(id)
			if err != nil {
				log.Warn().Str("id", id).Err(err).Msg("skipping unfetchable group")
				continue
			}
			groups = append(groups, g)
		}
		copied, err := m.CopyGroups(groups, cfg.Target.Owner)
		if err != nil {
			return fmt.Errorf("copy groups: %w", err)
		}
		log.Info().Int("requested", len(groups)).Int("copied", len(copied)).Msg("groups copied")
	}

	return nil
}

func connect(ep endpointConfig, log zerolog.Logger) (*portalgo.Portal, error) {
	session := portalgo.NewSession(ep.URL).SetLogger(log)
	p := portalgo.NewPortal(session)
	p.SetLogger(log)
	if ep.Username != "" {
		if err := p.SignIn(ep.Username, ep.Password); err != nil {
			return nil, err
		}
	}
	return p, nil
}
