// navi-probe — 不起 GUI, 直接旁观网关事件流。
//
// 用法:
//
//	navi-probe [session-id]
//
// 连上 NAVI_GATEWAY_URL, 指定会话时在连接建立后附加, 原样美化打印每一帧,
// 退出时输出引擎归并后的会话概要, 用于核对流与视图是否一致。
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/navihq/navi-desk/internal/bus"
	"github.com/navihq/navi-desk/internal/config"
	"github.com/navihq/navi-desk/internal/engine"
	"github.com/navihq/navi-desk/internal/gateway"
	"github.com/navihq/navi-desk/pkg/util"
)

func main() {
	cfg := config.Load()
	sessionID := ""
	if len(os.Args) > 1 {
		sessionID = os.Args[1]
	}

	eng := engine.New(engine.Options{})
	notes := bus.New()

	log.Printf("connecting to %s ...", cfg.GatewayURL)
	gw := gateway.New(gateway.Options{
		URL:   cfg.GatewayURL,
		Notes: notes,
		OnFrame: func(raw []byte) {
			printFrame(raw)
			eng.HandleRaw(raw)
		},
	})
	eng.SetTransport(gw)
	util.SafeGo(gw.Run)

	// 连接生命周期旁路打印; 每次 (重) 连成功后重新附加目标会话
	sub := notes.Subscribe("probe", bus.TopicGatewayState)
	util.SafeGo(func() {
		for note := range sub.Ch {
			log.Printf("--- gateway %s", note.Kind)
			if note.Kind != bus.KindConnected || sessionID == "" {
				continue
			}
			if err := gw.Attach(sessionID); err != nil {
				log.Printf("attach %s: %v", sessionID, err)
			} else {
				log.Printf(">>> attached to %s", sessionID)
			}
		}
	})

	log.Println("listening for frames... Ctrl+C to exit")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	gw.Close()
	notes.Unsubscribe("probe")
	printSummary(eng)
	log.Println("bye")
}

func printFrame(raw []byte) {
	var pretty json.RawMessage
	if json.Unmarshal(raw, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Printf("\n<<< RECV:\n%s\n", out)
		return
	}
	fmt.Printf("\n<<< RECV: %s\n", raw)
}

func printSummary(eng *engine.Engine) {
	sessions := eng.Sessions()
	fmt.Printf("\n=== %d session(s) reduced ===\n", len(sessions))
	for _, s := range sessions {
		fmt.Printf("  %-24s  status=%-14s  messages=%-4d  queue=%d\n",
			s.SessionID, s.Status, s.MessageCount, s.QueueLength)
	}
}
