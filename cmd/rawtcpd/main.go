package main

import (
	"flag"
	"log"
	"time"

	"github.com/rawtcp/rawtcp/config"
	"github.com/rawtcp/rawtcp/tcpstack"
)

const acceptPollInterval = 20 * time.Millisecond

func main() {
	serviceIP := flag.String("serviceIP", "127.0.0.2", "Service IP address to listen on")
	port := flag.Int("port", 8901, "Service port")
	configPath := flag.String("config", "config.yaml", "Path to YAML configuration file")
	flag.Parse()

	var err error
	config.AppConfig, err = config.ReadConfig(*configPath)
	if err != nil {
		log.Fatalln("configuration file error:", err)
	}
	config.AppConfig.LocalAddr = *serviceIP

	stack, err := tcpstack.NewStack(config.AppConfig.ToStackConfig())
	if err != nil {
		log.Fatalln("could not open raw endpoint:", err)
	}
	defer stack.Close()

	l, err := stack.Listen(uint16(*port))
	if err != nil {
		log.Fatalln("listen error:", err)
	}
	defer l.Close()

	log.Printf("echo server listening on %s:%d\n", *serviceIP, *port)

	for {
		conn, err := l.Accept()
		if err != nil {
			log.Println("accept error:", err)
			return
		}
		if conn == nil {
			time.Sleep(acceptPollInterval)
			continue
		}
		log.Printf("new connection from %s:%d\n", conn.RemoteAddr(), conn.RemotePort())
		go handleConn(conn)
	}
}

func handleConn(c *tcpstack.Connection) {
	defer c.Close()
	mss := config.AppConfig.PreferredMSS
	if mss <= 0 {
		mss = 1024
	}
	buf := make([]byte, mss)
	for {
		n, err := c.Recv(buf)
		if err != nil {
			log.Println("recv error:", err)
			return
		}
		if n == 0 {
			log.Println("connection closed by peer")
			return
		}
		log.Printf("echo server got: %s", string(buf[:n]))
		if _, err := c.Send(buf[:n]); err != nil {
			log.Println("send error:", err)
			return
		}
	}
}
