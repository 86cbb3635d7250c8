// Command it9910fs mounts the IT9910 HDMI capture device's live MPEG-TS
// output as a read-only FUSE filesystem: a single file, hdmi_stream.ts,
// under the given mountpoint.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"it9910fs/internal/config"
	"it9910fs/internal/diag"
	"it9910fs/internal/fsadapter"
	"it9910fs/internal/tui"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("it9910fs: %v", err)
	}
}

func run() error {
	cfg := config.Default()

	var (
		width, height, fps, bitrate, audioSrc, videoSrc uint
		brightness, contrast, hue, saturation            int
		diagAddr                                          string
		showTUI                                           bool
		fuseDebug                                          bool
	)

	flag.UintVar(&width, "width", uint(cfg.Width), "capture width in pixels")
	flag.UintVar(&width, "w", uint(cfg.Width), "capture width in pixels (shorthand)")
	flag.UintVar(&height, "height", uint(cfg.Height), "capture height in pixels")
	flag.UintVar(&height, "h", uint(cfg.Height), "capture height in pixels (shorthand)")
	flag.UintVar(&fps, "fps", uint(cfg.FPS), "capture frame rate")
	flag.UintVar(&fps, "f", uint(cfg.FPS), "capture frame rate (shorthand)")
	flag.UintVar(&bitrate, "bitrate", uint(cfg.BitrateKbps), "encoder bitrate in kbps")
	flag.UintVar(&bitrate, "b", uint(cfg.BitrateKbps), "encoder bitrate in kbps (shorthand)")
	flag.UintVar(&audioSrc, "audio_src", uint(cfg.AudioSrc), "audio source selector")
	flag.UintVar(&audioSrc, "a", uint(cfg.AudioSrc), "audio source selector (shorthand)")
	flag.UintVar(&videoSrc, "video_src", uint(cfg.VideoSrc), "video source selector")
	flag.UintVar(&videoSrc, "v", uint(cfg.VideoSrc), "video source selector (shorthand)")
	flag.IntVar(&brightness, "brightness", int(cfg.Brightness), "picture brightness")
	flag.IntVar(&contrast, "contrast", int(cfg.Contrast), "picture contrast")
	flag.IntVar(&hue, "hue", int(cfg.Hue), "picture hue")
	flag.IntVar(&saturation, "saturation", int(cfg.Saturation), "picture saturation")

	flag.StringVar(&diagAddr, "diag-addr", "", "address to serve /healthz and /metrics on (disabled if empty)")
	flag.BoolVar(&showTUI, "tui", false, "show a live status dashboard while mounted")
	flag.BoolVar(&fuseDebug, "fuse-debug", false, "log every FUSE kernel request")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <mountpoint>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return fmt.Errorf("exactly one mountpoint argument is required")
	}
	mountpoint := flag.Arg(0)

	cfg.Width = uint32(width)
	cfg.Height = uint32(height)
	cfg.FPS = uint32(fps)
	cfg.BitrateKbps = uint32(bitrate)
	cfg.AudioSrc = uint32(audioSrc)
	cfg.VideoSrc = uint32(videoSrc)
	cfg.Brightness = int32(brightness)
	cfg.Contrast = int32(contrast)
	cfg.Hue = int32(hue)
	cfg.Saturation = int32(saturation)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid capture configuration: %w", err)
	}

	root := fsadapter.NewRoot(cfg)

	server, err := fs.Mount(mountpoint, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:     "it9910fs",
			Name:       "it9910fs",
			AllowOther: false,
			Debug:      fuseDebug,
			Options:    []string{"ro"},
		},
	})
	if err != nil {
		return fmt.Errorf("mount %s: %w", mountpoint, err)
	}
	log.Printf("it9910fs: mounted at %s", mountpoint)

	if diagAddr != "" {
		srv := diag.NewServer(root.CurrentStats)
		go func() {
			if err := srv.ListenAndServe(diagAddr); err != nil {
				log.Printf("it9910fs: diagnostics server stopped: %v", err)
			}
		}()
		log.Printf("it9910fs: diagnostics listening on %s", diagAddr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Printf("it9910fs: signal received, unmounting %s", mountpoint)
		if err := server.Unmount(); err != nil {
			log.Printf("it9910fs: unmount error: %v", err)
		}
	}()

	if showTUI {
		go server.Wait()
		return tui.Run(mountpoint, root.CurrentStats)
	}

	server.Wait()
	return nil
}
