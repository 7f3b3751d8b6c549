package doctor

import (
	"context"
	"fmt"
	"time"

	"github.com/famoratech/InterviewCopilot/api"
	"github.com/famoratech/InterviewCopilot/audio"
	"github.com/famoratech/InterviewCopilot/capture"
)

// Run executes system diagnostics and returns an exit code (0=all pass,
// 1=any fail).
func Run(server, token string) int {
	fmt.Println("interviewcopilot doctor - system diagnostics")
	fmt.Println("============================================")

	allPass := checkAudio()
	if !checkBackend(server, token) {
		allPass = false
	}
	if !checkToken(token) {
		allPass = false
	}

	fmt.Println()
	if allPass {
		fmt.Println("All checks passed!")
		return 0
	}
	fmt.Println("Some checks failed. See details above.")
	return 1
}

func checkAudio() bool {
	fmt.Println()
	fmt.Println("[1/3] System-audio capture")

	ctx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("  FAIL: cannot connect to audio backend: %v\n", err)
		return false
	}
	defer ctx.Close()

	devices, err := ctx.Devices()
	if err != nil {
		fmt.Printf("  FAIL: cannot list devices: %v\n", err)
		return false
	}
	fmt.Printf("  %d capture device(s) found\n", len(devices))
	for _, d := range devices {
		tag := ""
		if audio.IsLoopback(d.Name) {
			tag = "  [system audio]"
		}
		fmt.Printf("    - %s%s\n", d.Name, tag)
	}

	svc := capture.NewService(ctx, capture.Config{})
	src, err := svc.Acquire()
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		fmt.Println("  " + capture.NoAudioGuidance)
		return false
	}
	name := src.DeviceName()
	src.Release()
	fmt.Printf("  PASS: system audio available via %q\n", name)
	return true
}

func checkBackend(server, token string) bool {
	fmt.Println()
	fmt.Println("[2/3] Backend reachability")

	if server == "" {
		fmt.Println("  FAIL: no server configured (set -server or COPILOT_SERVER)")
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := api.New(server, token)
	if err := client.Reachable(ctx); err != nil {
		fmt.Printf("  FAIL: %s unreachable: %v\n", server, err)
		return false
	}
	fmt.Printf("  PASS: %s reachable\n", server)
	return true
}

func checkToken(token string) bool {
	fmt.Println()
	fmt.Println("[3/3] Credentials")

	if token == "" {
		fmt.Println("  FAIL: no token configured (set -token or COPILOT_TOKEN)")
		return false
	}
	fmt.Println("  PASS: token present")
	return true
}
