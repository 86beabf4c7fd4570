package main

import (
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rawtcp/rawtcp/config"
	"github.com/rawtcp/rawtcp/tcpstack"
)

func main() {
	sourceIP := flag.String("sourceIP", "127.0.0.3", "Source IP address")
	serverIP := flag.String("serverIP", "127.0.0.2", "Server IP address")
	serverPort := flag.Int("serverPort", 8901, "Server port")
	interval := flag.Duration("interval", 500*time.Millisecond, "Interval between packets (e.g., 500ms, 1s)")
	configPath := flag.String("config", "config.yaml", "Path to YAML configuration file")
	flag.Parse()

	var err error
	config.AppConfig, err = config.ReadConfig(*configPath)
	if err != nil {
		log.Fatalln("configuration file error:", err)
	}
	config.AppConfig.LocalAddr = *sourceIP

	stack, err := tcpstack.NewStack(config.AppConfig.ToStackConfig())
	if err != nil {
		log.Fatalln("could not open raw endpoint:", err)
	}
	defer stack.Close()

	remoteAddr, err := netip.ParseAddr(*serverIP)
	if err != nil {
		log.Fatalln("bad server IP:", err)
	}

	conn, err := stack.Dial(remoteAddr, uint16(*serverPort), 5*time.Second)
	if err != nil {
		log.Fatalln("dial error:", err)
	}
	defer conn.Close()

	fmt.Println("echo client connected to server!")
	fmt.Printf("sending packets at %v interval (press Ctrl+C to exit)...\n", *interval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	mss := config.AppConfig.PreferredMSS
	if mss <= 0 {
		mss = 1024
	}
	buffer := make([]byte, mss)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	packetCount, successCount, failureCount := 0, 0, 0

	for {
		select {
		case <-sigChan:
			printStats(packetCount, successCount, failureCount)
			return
		case <-ticker.C:
			packetCount++
			message := fmt.Sprintf("echo message %d", packetCount)

			if _, err := conn.Send([]byte(message)); err != nil {
				log.Printf("[%d] send error: %v\n", packetCount, err)
				failureCount++
				continue
			}

			conn.SetRecvTimeout(*interval + 100*time.Millisecond)
			n, err := conn.Recv(buffer)
			if err != nil {
				log.Printf("[%d] recv error: %v\n", packetCount, err)
				failureCount++
				continue
			}
			if n == 0 {
				log.Println("server closed the connection")
				printStats(packetCount, successCount, failureCount)
				return
			}

			response := string(buffer[:n])
			if response == message {
				successCount++
			} else {
				log.Printf("[%d] echo mismatch: expected %q, got %q\n", packetCount, message, response)
				failureCount++
			}
		}
	}
}

func printStats(packetCount, successCount, failureCount int) {
	fmt.Printf("\n=== echo client statistics ===\n")
	fmt.Printf("total packets sent: %d\n", packetCount)
	fmt.Printf("successful echoes: %d\n", successCount)
	fmt.Printf("failed echoes: %d\n", failureCount)
}
