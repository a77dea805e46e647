package main

import (
	"fmt"
	"log"
	"os"

	"botforge/internal/config"
	"botforge/internal/models"

	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	// 加载配置
	viper.AddConfigPath(".")
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
	cfg := config.Load()

	// 连接数据库
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		cfg.Database.Host, cfg.Database.User, cfg.Database.Password, cfg.Database.Name, cfg.Database.Port,
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	// 创建索引
	log.Println("Creating additional indexes...")

	// 内容表按机器人与阶段聚合，状态快照依赖该索引
	db.Exec("CREATE INDEX IF NOT EXISTS idx_content_items_bot_kind_phase ON content_items(bot_id, kind, phase)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_content_items_session ON content_items(session_id)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_content_items_batch ON content_items(batch_id)")

	// 会话表按机器人与状态查询
	db.Exec("CREATE INDEX IF NOT EXISTS idx_training_sessions_bot_status ON training_sessions(bot_id, status)")

	// 机器人表按账户查询
	db.Exec("CREATE INDEX IF NOT EXISTS idx_bots_account ON bots(account_id)")

	log.Println("Additional indexes created successfully!")

	// 插入默认数据
	if len(os.Args) > 1 && os.Args[1] == "--seed" {
		log.Println("Seeding default data...")
		seedDefaultData(db, cfg)
		log.Println("Default data seeded successfully!")
	}

	log.Println("Migration process completed!")
}

func seedDefaultData(db *gorm.DB, cfg *config.Config) {
	// 创建演示账户及其配额
	var account models.Account
	if err := db.Where("email = ?", "demo@botforge.dev").First(&account).Error; err != nil {
		account = models.Account{
			Name:  "Demo Workspace",
			Email: "demo@botforge.dev",
			Plan:  "starter",
		}
		db.Create(&account)
		log.Println("Created demo account")
	}

	var quota models.QuotaAccount
	if err := db.Where("account_id = ?", account.ID).First(&quota).Error; err != nil {
		quota = models.QuotaAccount{
			AccountID:        account.ID,
			WordLimit:        cfg.Quota.DefaultWordLimit,
			StorageLimit:     cfg.Quota.DefaultStorageMB * 1024 * 1024,
			PerItemSizeLimit: cfg.Quota.DefaultPerItemMB * 1024 * 1024,
		}
		db.Create(&quota)
		log.Println("Created demo quota account")
	}

	var bot models.Bot
	if err := db.Where("account_id = ? AND name = ?", account.ID, "Support Bot").First(&bot).Error; err != nil {
		bot = models.Bot{
			AccountID: account.ID,
			Name:      "Support Bot",
			Status:    models.BotStatusPending,
		}
		db.Create(&bot)
		log.Println("Created demo bot")
	}
}
