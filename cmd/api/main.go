package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/mytestdev/gallery-auth/internal/config"
	"github.com/mytestdev/gallery-auth/internal/controllers"
	"github.com/mytestdev/gallery-auth/internal/database"
	"github.com/mytestdev/gallery-auth/internal/evaluator"
	"github.com/mytestdev/gallery-auth/internal/middleware"
	"github.com/mytestdev/gallery-auth/internal/registry"
	"github.com/mytestdev/gallery-auth/internal/services"
	"github.com/mytestdev/gallery-auth/internal/token"
)

var (
	db              *gorm.DB
	configuration   *config.Config
	imageService    services.ImageService
	imageController controllers.ImageController
	authEvaluator   *evaluator.Evaluator
)

func main() {
	// Load environment variables
	loadDotenvFile()

	// Initialize logger
	setUpLogger()

	// Load configuration
	configuration = loadConfig()

	// Initialize database connection
	setupDatabase(configuration)

	// Initialize services and controllers
	imageService = services.NewImageService(db)
	imageController = controllers.NewImageController(imageService)

	// Build the authorization evaluator with the gallery policies
	authEvaluator = setupEvaluator(configuration)

	// Initialize Gin router
	router := setupRouter()

	// Start the server
	log.Infof("Starting gallery API on %s:%d", configuration.Host, configuration.Port)
	router.Run(fmt.Sprintf("%v:%d", configuration.Host, configuration.Port))
}

// checkPanicErr checks if an error occurred and panics if it did
func checkPanicErr(err error) {
	if err != nil {
		panic(err)
	}
}

// loadDotenvFile loads environment variables from a .env file
func loadDotenvFile() {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found, using system environment variables")
	}
}

// setUpLogger initializes the logger with a JSON formatter and sets the log level based on the environment
func setUpLogger() {
	log.SetFormatter(&log.JSONFormatter{})
	environment := config.GetEnvWithDefault("APP_ENV", "development")
	switch environment {
	case "development":
		log.SetLevel(log.DebugLevel)
	case "production":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// loadConfig loads the application configuration from environment variables
func loadConfig() *config.Config {
	conf, err := config.LoadConfig()
	checkPanicErr(err)
	return conf
}

// setupDatabase initializes the database connection and migrates the schema
func setupDatabase(conf *config.Config) {
	var err error
	db, err = database.InitDatabase(database.FromAppConfig(conf))
	checkPanicErr(err)
	checkPanicErr(database.Migrate(db))
}

// accessTokenValidator builds the codec that validates inbound access tokens.
// Self-contained tokens are verified locally against the shared key and must
// carry the access-token type tag; reference tokens are resolved through the
// registry (introspection against the shared store).
func accessTokenValidator(conf *config.Config) token.Codec {
	if conf.TokenFormat == config.TokenFormatReference {
		return token.NewReferenceCodec(conf.Issuer, registry.New(db), conf.AccessTokenTTL)
	}
	codec := token.NewJWTCodec(conf.Issuer, "galleryapi", []byte(conf.JWTSecret), conf.AccessTokenTTL)
	codec.RequiredType = token.TypeAccessToken
	return codec
}

// setupEvaluator registers the gallery authorization policies:
// adding images needs a paying user living in Belgium, writes need the write
// scope, and mutating a specific image requires owning it.
func setupEvaluator(conf *config.Config) *evaluator.Evaluator {
	eval := evaluator.New(accessTokenValidator(conf), token.DefaultMapper(), imageService)

	eval.Register(evaluator.Policy{Name: "UserCanAddImage", Rules: []evaluator.Rule{
		evaluator.ClaimEquals("country", "be"),
		evaluator.RoleMember("PayingUser"),
	}})
	eval.Register(evaluator.Policy{Name: "ClientCanWrite", Rules: []evaluator.Rule{
		evaluator.ScopePresent("gallery.write"),
	}})
	eval.Register(evaluator.Policy{Name: "MustOwnImage", Rules: []evaluator.Rule{
		evaluator.OwnerMatch(),
	}})

	return eval
}

// setupRouter initializes the Gin router and sets up the routes
func setupRouter() *gin.Engine {
	router := gin.Default()

	router.GET("/health", healthCheckHandler)

	v1 := router.Group("/api/v1")
	{
		images := v1.Group("/images")
		{
			images.GET("", middleware.Authorize(authEvaluator, "gallery.read"), imageController.GetAllImages)
			images.GET("/:id", middleware.Authorize(authEvaluator, "gallery.read"), imageController.GetImageByID)
			images.POST("", middleware.Authorize(authEvaluator, "gallery.write", "UserCanAddImage", "ClientCanWrite"), imageController.CreateImage)
			images.PUT("/:id", middleware.AuthorizeOwner(authEvaluator, "gallery.write", "id", "MustOwnImage"), imageController.UpdateImage)
			images.DELETE("/:id", middleware.AuthorizeOwner(authEvaluator, "gallery.write", "id", "MustOwnImage"), imageController.DeleteImage)
		}
	}

	return router
}

// healthCheckHandler handles the health check endpoint
func healthCheckHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "gallery-api",
	})
}
