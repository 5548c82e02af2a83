// navi-migrate — 不起桌面应用, 单独初始化/校验归档库表。
//
// 读取 POSTGRES_CONNECTION_STRING (及 POSTGRES_SCHEMA 等) 连接数据库,
// 建出归档需要的表和索引后退出。建表语句幂等, 重复执行无害。
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/navihq/navi-desk/internal/archive"
	"github.com/navihq/navi-desk/internal/config"
	pkgerr "github.com/navihq/navi-desk/pkg/errors"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := archive.NewPostgres(ctx, cfg)
	if err != nil {
		if errors.Is(err, pkgerr.ErrArchiveDisabled) {
			fmt.Println("POSTGRES_CONNECTION_STRING not set")
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "archive setup failed: %v\n", err)
		os.Exit(1)
	}
	store.Close()

	fmt.Printf("archive schema ready (schema %q)\n", cfg.PostgresSchema)
}
