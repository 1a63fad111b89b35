package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lvdashuaibi/ussdvote/config"
	"github.com/lvdashuaibi/ussdvote/internal/api"
	"github.com/lvdashuaibi/ussdvote/internal/api/graph"
	intkafka "github.com/lvdashuaibi/ussdvote/internal/kafka"
	"github.com/lvdashuaibi/ussdvote/internal/lock"
	"github.com/lvdashuaibi/ussdvote/internal/menu"
	"github.com/lvdashuaibi/ussdvote/internal/payment"
	"github.com/lvdashuaibi/ussdvote/internal/paystack"
	"github.com/lvdashuaibi/ussdvote/internal/reconciler"
	"github.com/lvdashuaibi/ussdvote/internal/repository"
	"github.com/lvdashuaibi/ussdvote/internal/session"
	"github.com/lvdashuaibi/ussdvote/internal/vote"
)

const (
	ReconcilerLeaderLockName = "ussdvote:reconciler:leader:lock"
	LockAcquireTimeout       = 30 * time.Second
)

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	instanceID = flag.Int("instance", 1, "实例ID，用于区分多个实例")
)

func main() {
	// 解析命令行参数
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	log.Printf("配置加载成功，当前实例ID: %d", *instanceID)

	// 创建数据库连接
	mysqlRepo, err := repository.NewMySQLRepository()
	if err != nil {
		log.Fatalf("初始化MySQL仓库失败: %v", err)
	}
	defer mysqlRepo.Close()
	log.Printf("MySQL仓库初始化成功")

	// 创建Redis连接
	redisRepo, err := repository.NewRedisRepository()
	if err != nil {
		log.Fatalf("初始化Redis仓库失败: %v", err)
	}
	defer redisRepo.Close()
	log.Printf("Redis仓库初始化成功")

	// 创建分布式锁
	distributedLock, err := lock.New()
	if err != nil {
		log.Fatalf("初始化分布式锁失败: %v", err)
	}
	defer distributedLock.Close()
	log.Printf("分布式锁初始化成功，类型: %s", cfg.Lock.Type)

	// 竞争对账领导者锁，拿到锁的实例负责支付对账轮询
	leaderAcquired, err := distributedLock.AcquireLock(ReconcilerLeaderLockName, LockAcquireTimeout)
	if err != nil {
		log.Printf("获取对账领导者锁失败: %v，将以普通节点模式启动", err)
	}
	if leaderAcquired {
		log.Printf("实例 %d 获取对账领导者锁成功，将负责支付对账", *instanceID)
		defer distributedLock.ReleaseLock(ReconcilerLeaderLockName)
	} else {
		log.Printf("实例 %d 未获取到对账领导者锁，以普通节点模式启动", *instanceID)
	}

	// 创建Kafka生产者
	producer, err := intkafka.NewProducer()
	if err != nil {
		log.Fatalf("初始化Kafka生产者失败: %v", err)
	}
	defer producer.Close()
	log.Printf("Kafka生产者初始化成功")

	// 创建Kafka消费者
	consumer, err := intkafka.NewConsumer()
	if err != nil {
		log.Fatalf("初始化Kafka消费者失败: %v", err)
	}
	defer consumer.Stop()
	log.Printf("Kafka消费者初始化成功")

	// 创建会话存储
	sessionStore := session.NewStore(mysqlRepo, redisRepo)

	// 创建计票引擎
	voteService := vote.NewService(mysqlRepo, producer)
	log.Printf("计票引擎初始化成功")

	// 创建支付方客户端与支付服务
	paystackClient := paystack.NewClient()
	paymentService := payment.NewService(paystackClient, mysqlRepo, sessionStore, voteService)
	log.Printf("支付服务初始化成功")

	// 创建USSD菜单状态机
	menuService := menu.NewService(sessionStore, mysqlRepo, paymentService)
	log.Printf("USSD菜单服务初始化成功")

	// 创建得票查询服务，并接上Kafka消费者做缓存失效
	tallyService := vote.NewTallyService(mysqlRepo, redisRepo)
	consumer.StartConsuming(tallyService.ProcessVoteCreditedEvent)
	log.Printf("Kafka消费者已启动")

	// 启动支付对账轮询 (只有领导者实例才会真正执行扫描)
	rec := reconciler.NewReconciler(mysqlRepo, paymentService, distributedLock, leaderAcquired)
	rec.Start()
	defer rec.Stop()
	log.Printf("支付对账轮询初始化成功，领导者模式: %v", leaderAcquired)

	// 创建HTTP服务
	graphHandler := graph.NewHandler(tallyService, mysqlRepo)
	server := api.NewServer(menuService, paymentService, graphHandler)

	// 计算端口，支持多实例
	serverPort := cfg.Server.Port + *instanceID - 1

	// 启动HTTP服务器(异步)
	go func() {
		if err := server.Start(serverPort); err != nil {
			log.Fatalf("启动HTTP服务器失败: %v", err)
		}
	}()

	log.Printf("USSD Vote 系统 (实例 %d) 已启动，服务地址: http://localhost:%d", *instanceID, serverPort)

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("正在关闭服务...")
}
