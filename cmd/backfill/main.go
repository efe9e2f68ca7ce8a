// backfill 为层级功能上线前创建的历史分类补齐层级字段。
//
// 判定标准：path 为空且没有 parent_id 的行视为从未经过层级维护
// （层级功能写入的行一定带 path），统一按根节点回填 level=0、path=自身ID、
// pathArray=[自身ID]、计数缓存清零、displayOrder 顺延。
// 已带 parent_id 的行不会被当作根节点覆盖。脚本可安全重跑。
//
// 用法：
//
//	backfill -config configs/config.yaml [-tenant t1] [-dry-run] [-batch 100] [-reconcile]
package main

import (
	"flag"
	"fmt"
	"os"

	"project-service/internal/config"
	"project-service/internal/hierarchy"
	"project-service/internal/model"
	"project-service/internal/repository"
	"project-service/pkg/database"
	"project-service/pkg/log"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	tenant := flag.String("tenant", "", "restrict backfill to one tenant")
	dryRun := flag.Bool("dry-run", false, "report what would change without writing")
	batch := flag.Int("batch", 0, "batch size (default from config)")
	reconcile := flag.Bool("reconcile", false, "recompute child counters after backfill")
	flag.Parse()

	config.Init(*configPath)
	cfg := config.Conf

	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()

	database.InitMySQL(cfg.Database.MySQL.DSN)

	batchSize := *batch
	if batchSize <= 0 {
		batchSize = cfg.Hierarchy.BatchSize
	}

	total, migrated, errored := runBackfill(database.DB, *tenant, *dryRun, batchSize)
	skipped := countSkipped(database.DB, *tenant)

	if *reconcile && !*dryRun {
		repaired := runReconcile(database.DB, *tenant)
		log.Infof("backfill: reconciled counters, repaired=%d", repaired)
	}

	fmt.Printf("backfill finished: total=%d migrated=%d skipped=%d errored=%d dryRun=%v\n", total, migrated, skipped, errored, *dryRun)
	if errored > 0 {
		os.Exit(1)
	}
}

// runBackfill 分批处理缺少层级字段的分类，返回 总数/已迁移/失败 计数。
func runBackfill(db *gorm.DB, tenant string, dryRun bool, batchSize int) (total, migrated, errored int) {
	// displayOrder 从租户内现有最大值之后顺延；
	// 不限定租户时退化为全表最大值，顺序仍然单调
	var maxOrder int
	orderQuery := db.Model(&model.ProjectCategory{}).
		Select("COALESCE(MAX(display_order), 0)")
	if tenant != "" {
		orderQuery = orderQuery.Where("tenant_id = ?", tenant)
	}
	if err := orderQuery.Scan(&maxOrder).Error; err != nil {
		log.Fatal("backfill: failed to read max display order", err)
	}
	nextOrder := maxOrder + 1

	// 更新失败的行仍然命中扫描谓词，必须显式排除，否则循环无法终止
	var failedIDs []string

	offset := 0
	for {
		query := db.Model(&model.ProjectCategory{}).
			Where("(path = ? OR path IS NULL)", "").
			Where("parent_id IS NULL").
			Order("created_at ASC").
			Limit(batchSize)
		if tenant != "" {
			query = query.Where("tenant_id = ?", tenant)
		}
		if len(failedIDs) > 0 {
			query = query.Where("id NOT IN ?", failedIDs)
		}
		if dryRun {
			// dry-run 不写库，谓词不会收敛，用 offset 翻页
			query = query.Offset(offset)
		}

		var cats []model.ProjectCategory
		if err := query.Find(&cats).Error; err != nil {
			log.Fatal("backfill: scan failed", err)
		}
		if len(cats) == 0 {
			return total, migrated, errored
		}

		for i := range cats {
			cat := &cats[i]
			total++
			if dryRun {
				log.Infof("backfill: would migrate category %s (%s)", cat.ID, cat.Name)
				continue
			}

			err := db.Model(&model.ProjectCategory{}).
				Where("id = ?", cat.ID).
				Updates(map[string]interface{}{
					"parent_id":     nil,
					"level":         0,
					"path":          cat.ID,
					"path_array":    datatypes.JSONSlice[string]{cat.ID},
					"children":      datatypes.JSONSlice[string]{},
					"has_children":  false,
					"child_count":   0,
					"display_order": nextOrder,
					"updated_by":    "backfill",
				}).Error
			if err != nil {
				// 单行失败不中断整体，重跑脚本可补齐
				log.Errorf("backfill: failed to migrate category %s: %v", cat.ID, err)
				errored++
				failedIDs = append(failedIDs, cat.ID)
				continue
			}
			nextOrder++
			migrated++
		}

		if dryRun {
			offset += batchSize
		}
	}
}

// countSkipped 统计已带 parent_id 但缺少 path 的行。
// 这类行的父子关系已经是权威数据，不能按根节点回填，留给 Reconcile 处理。
func countSkipped(db *gorm.DB, tenant string) int {
	var count int64
	query := db.Model(&model.ProjectCategory{}).
		Where("(path = ? OR path IS NULL)", "").
		Where("parent_id IS NOT NULL")
	if tenant != "" {
		query = query.Where("tenant_id = ?", tenant)
	}
	if err := query.Count(&count).Error; err != nil {
		log.Errorf("backfill: failed to count skipped rows: %v", err)
		return 0
	}
	return int(count)
}

// runReconcile 按 parent_id 权威关系修复计数缓存。
// 未指定租户时对库里出现过的每个租户各跑一遍。
func runReconcile(db *gorm.DB, tenant string) int {
	repo := repository.NewCategoryRepository(db)
	maintainer := hierarchy.NewMaintainer(repo)

	tenants := []string{tenant}
	if tenant == "" {
		if err := db.Model(&model.ProjectCategory{}).
			Distinct("tenant_id").
			Pluck("tenant_id", &tenants).Error; err != nil {
			log.Fatal("backfill: failed to list tenants", err)
		}
	}

	repaired := 0
	for _, t := range tenants {
		n, err := maintainer.Reconcile(t, "")
		if err != nil {
			log.Errorf("backfill: reconcile failed for tenant %s: %v", t, err)
			continue
		}
		repaired += n
	}
	return repaired
}
