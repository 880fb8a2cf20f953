package di

import (
	"branchtalk-ai/config"
	"branchtalk-ai/internal/apis/handlers"
	"branchtalk-ai/internal/constants"
	"branchtalk-ai/internal/repositories"
	"branchtalk-ai/internal/repositories/gormstore"
	"branchtalk-ai/internal/services"
	"branchtalk-ai/internal/utils"
	"branchtalk-ai/pkg/llm"
	"branchtalk-ai/pkg/logger"
	"branchtalk-ai/pkg/mongodb"
	"branchtalk-ai/pkg/redis"
	"log"
	"time"

	"go.uber.org/dig"
	"go.uber.org/zap"
)

var DiContainer *dig.Container

func Initialize() {
	DiContainer = dig.New()

	appLogger, err := logger.New(config.Env.Environment)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Initialize the configured storage backend
	storeLogger := logger.Named(appLogger, "store")
	var conversationRepo repositories.ConversationRepository
	var messageRepo repositories.MessageRepository

	switch config.Env.StorageBackend {
	case config.StorageBackendPostgres:
		db, err := gormstore.Open(config.Env.PostgresDSN, storeLogger)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		conversationRepo = gormstore.NewConversationRepository(db, storeLogger)
		messageRepo = gormstore.NewMessageRepository(db, storeLogger)
	default:
		dbConfig := mongodb.MongoDbConfigModel{
			ConnectionUrl: config.Env.MongoURI,
			DatabaseName:  config.Env.MongoDatabaseName,
		}
		mongodbClient, err := mongodb.InitializeDatabaseConnection(dbConfig, appLogger)
		if err != nil {
			log.Fatalf("Failed to connect to MongoDB: %v", err)
		}
		conversationRepo = repositories.NewConversationRepository(mongodbClient)
		messageRepo = repositories.NewMessageRepository(mongodbClient, storeLogger)
	}

	// Initialize Redis
	redisClient, err := redis.RedisClient(config.Env.RedisHost, config.Env.RedisPort, config.Env.RedisUsername, config.Env.RedisPassword, appLogger)
	if err != nil {
		log.Fatalf("Failed to initialize Redis client: %v", err)
	}

	// Initialize services and repositories
	redisRepo := redis.NewRedisRepositories(redisClient, appLogger)
	jwtService := utils.NewJWTService(
		config.Env.JWTSecret,
		time.Millisecond*time.Duration(config.Env.JWTExpirationMilliseconds),
		time.Millisecond*time.Duration(config.Env.JWTRefreshExpirationMilliseconds),
	)

	branchCacheRepo := repositories.NewBranchCacheRepository(redisRepo, logger.Named(appLogger, "branch-cache"))

	// Provide all dependencies to the container
	if err := DiContainer.Provide(func() *zap.SugaredLogger { return appLogger }); err != nil {
		log.Fatalf("Failed to provide logger: %v", err)
	}

	if err := DiContainer.Provide(func() utils.JWTService { return jwtService }); err != nil {
		log.Fatalf("Failed to provide JWT service: %v", err)
	}

	if err := DiContainer.Provide(func() repositories.ConversationRepository { return conversationRepo }); err != nil {
		log.Fatalf("Failed to provide conversation repository: %v", err)
	}

	if err := DiContainer.Provide(func() repositories.MessageRepository { return messageRepo }); err != nil {
		log.Fatalf("Failed to provide message repository: %v", err)
	}

	if err := DiContainer.Provide(func() repositories.BranchCacheRepository { return branchCacheRepo }); err != nil {
		log.Fatalf("Failed to provide branch cache repository: %v", err)
	}

	// Add LLM Manager
	if err := DiContainer.Provide(func() *llm.Manager {
		manager := llm.NewManager(logger.Named(appLogger, "llm"))

		if config.Env.OpenAIAPIKey != "" {
			err := manager.RegisterClient(constants.OpenAI, llm.Config{
				Provider:            constants.OpenAI,
				Model:               config.Env.OpenAIModel,
				APIKey:              config.Env.OpenAIAPIKey,
				MaxCompletionTokens: config.Env.OpenAIMaxCompletionTokens,
				Temperature:         config.Env.OpenAITemperature,
			})
			if err != nil {
				log.Printf("Warning: Failed to register OpenAI client: %v", err)
			}
		}

		if config.Env.GeminiAPIKey != "" {
			err := manager.RegisterClient(constants.Gemini, llm.Config{
				Provider:            constants.Gemini,
				Model:               config.Env.GeminiModel,
				APIKey:              config.Env.GeminiAPIKey,
				MaxCompletionTokens: config.Env.GeminiMaxOutputTokens,
				Temperature:         config.Env.GeminiTemperature,
			})
			if err != nil {
				log.Printf("Warning: Failed to register Gemini client: %v", err)
			}
		}

		manager.SetRouting(config.Env.DefaultLLMClient, config.Env.FallbackLLMClients)
		return manager
	}); err != nil {
		log.Fatalf("Failed to provide LLM manager: %v", err)
	}

	// Provide services
	if err := DiContainer.Provide(func(
		conversationRepo repositories.ConversationRepository,
		messageRepo repositories.MessageRepository,
		branchCache repositories.BranchCacheRepository,
	) services.BranchService {
		return services.NewBranchService(conversationRepo, messageRepo, branchCache, logger.Named(appLogger, "branches"))
	}); err != nil {
		log.Fatalf("Failed to provide branch service: %v", err)
	}

	if err := DiContainer.Provide(func() services.ContextAssembler {
		return services.NewContextAssembler(logger.Named(appLogger, "assembler"))
	}); err != nil {
		log.Fatalf("Failed to provide context assembler: %v", err)
	}

	if err := DiContainer.Provide(func(
		conversationRepo repositories.ConversationRepository,
		messageRepo repositories.MessageRepository,
		branchService services.BranchService,
		assembler services.ContextAssembler,
		llmManager *llm.Manager,
	) services.ConversationService {
		return services.NewConversationService(conversationRepo, messageRepo, branchService, assembler, llmManager, logger.Named(appLogger, "conversations"))
	}); err != nil {
		log.Fatalf("Failed to provide conversation service: %v", err)
	}

	// Conversation Handler
	if err := DiContainer.Provide(func(
		conversationService services.ConversationService,
	) *handlers.ConversationHandler {
		handler := handlers.NewConversationHandler(conversationService)
		conversationService.SetStreamHandler(handler)
		return handler
	}); err != nil {
		log.Fatalf("Failed to provide conversation handler: %v", err)
	}
}

// GetConversationHandler retrieves the ConversationHandler from the DI container
func GetConversationHandler() (*handlers.ConversationHandler, error) {
	var handler *handlers.ConversationHandler
	err := DiContainer.Invoke(func(h *handlers.ConversationHandler) {
		handler = h
	})
	if err != nil {
		return nil, err
	}
	return handler, nil
}
