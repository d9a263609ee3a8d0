package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"node.town/babelfish/config"
	"node.town/babelfish/db"
	"node.town/babelfish/lang"
	"node.town/babelfish/langstore"
)

var languagesCmd = &cobra.Command{
	Use:   "languages",
	Short: "Show supported languages and which are active across the cluster",
	Run:   runLanguages,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize speaker and listener analytics",
	Run:   runStats,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Run:   runMigrate,
}

func newTable(header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	return table
}

// languageRows lists every supported language with its provider code and
// whether it is in the active set.
func languageRows(active []lang.Language) [][]string {
	on := make(map[lang.Language]bool, len(active))
	for _, l := range active {
		on[l] = true
	}

	var rows [][]string
	for _, l := range lang.Supported() {
		code, _ := l.Code()
		mark := ""
		if on[l] {
			mark = "yes"
		}
		rows = append(rows, []string{string(l), code, mark})
	}
	return rows
}

func runLanguages(cmd *cobra.Command, args []string) {
	cfg := config.FromViper(viper.GetViper())
	logs := createLoggers(cfg.LogLevel)

	rdb, err := openRedis(cfg.RedisURL)
	if err != nil {
		logs.main.Fatal("redis", "error", err)
	}
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	active := langstore.NewRedisStore(rdb, logs.data).Fetch(ctx)

	table := newTable("Language", "Code", "Active")
	table.AppendBulk(languageRows(active))
	table.Render()
}

func summaryRows(s *db.Summary) [][]string {
	rows := [][]string{
		{"Active speakers", fmt.Sprintf("%d", s.ActiveSpeakers)},
		{"Active listeners", fmt.Sprintf("%d", s.ActiveListeners)},
		{"Sessions today", fmt.Sprintf("%d", s.TodaySessions)},
		{"Listeners today", fmt.Sprintf("%d", s.TodayListeners)},
		{"Speaking time today", db.FormatDuration(s.TodaySpeakingTime)},
		{"Sessions this week", fmt.Sprintf("%d", s.WeekSessions)},
		{"Listeners this week", fmt.Sprintf("%d", s.WeekListeners)},
	}

	langs := make([]string, 0, len(s.ListenersByLang))
	for l := range s.ListenersByLang {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	for _, l := range langs {
		rows = append(rows, []string{"Listening in " + l, fmt.Sprintf("%d", s.ListenersByLang[l])})
	}
	return rows
}

func runStats(cmd *cobra.Command, args []string) {
	cfg := config.FromViper(viper.GetViper())
	logs := createLoggers(cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		logs.main.Fatal("missing DATABASE_URL or --database-url=")
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logs.main.Fatal("database", "error", err)
	}
	defer pool.Close()

	summary, err := db.NewPostgres(pool).Summary(ctx)
	if err != nil {
		logs.main.Fatal("stats", "error", err)
	}

	table := newTable("Metric", "Value")
	table.AppendBulk(summaryRows(summary))
	table.Render()
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg := config.FromViper(viper.GetViper())
	logs := createLoggers(cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		logs.main.Fatal("missing DATABASE_URL or --database-url=")
	}

	confirm := db.AskConfirm
	if yes, _ := cmd.Flags().GetBool("yes"); yes {
		confirm = db.AutoConfirm
	}

	ctx := context.Background()
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logs.main.Fatal("database", "error", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, logs.data, confirm); err != nil {
		logs.main.Fatal("migrate", "error", err)
	}
	logs.main.Info("migrations done")
}
