package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/mytestdev/gallery-auth/internal/config"
	"github.com/mytestdev/gallery-auth/internal/controllers"
	"github.com/mytestdev/gallery-auth/internal/database"
	"github.com/mytestdev/gallery-auth/internal/grant"
	"github.com/mytestdev/gallery-auth/internal/models"
	"github.com/mytestdev/gallery-auth/internal/policy"
	"github.com/mytestdev/gallery-auth/internal/registry"
	"github.com/mytestdev/gallery-auth/internal/services"
	"github.com/mytestdev/gallery-auth/internal/token"
)

var (
	db              *gorm.DB
	configuration   *config.Config
	policyStore     *policy.Store
	tokenRegistry   *registry.Registry
	grantEngine     *grant.Engine
	oauthController *controllers.OAuthController
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

	// Load the static provider configuration (clients, scopes, resources)
	policyStore = loadPolicyStore(configuration)

	// Wire the authorization core
	tokenRegistry = registry.New(db)
	grantEngine = grant.NewEngine(
		policyStore,
		tokenRegistry,
		accessCodec(configuration),
		token.NewJWTCodec(configuration.Issuer, "", []byte(configuration.JWTSecret), 5*time.Minute),
		services.NewUserService(db),
		grant.Options{
			Issuer:          configuration.Issuer,
			AccessTokenTTL:  configuration.AccessTokenTTL,
			RefreshTokenTTL: configuration.RefreshTokenTTL,
			CodeTTL:         configuration.CodeTTL,
		},
	)
	oauthController = controllers.NewOAuthController(grantEngine, configuration.Issuer)

	// Best-effort reclamation of expired codes and tokens
	startRegistrySweeper()

	// Initialize Gin router
	router := setupRouter()

	// Start the server
	log.Infof("Starting identity provider on %s:%d", configuration.Host, configuration.Port)
	router.Run(fmt.Sprintf("%v:%d", configuration.Host, configuration.Port))
}

// checkPanicErr checks if an error occurred and panics if it did
func checkPanicErr(err error) {
	if err != nil {
		panic(err)
	}
}

// loadDotenvFile loads environment variables from a .env file
// If the file is not found, it will log a warning and use system environment variables
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

	// Seed demo users only when the table is empty
	var count int64
	db.Model(&models.User{}).Count(&count)
	if count == 0 {
		log.Info("User table is empty, seeding demo users")
		seedUsers()
	}
}

// seedUsers seeds the database with the demo gallery users
func seedUsers() {
	users := []models.User{
		{SubjectID: "d860efca-22d9-47fd-8249-791ba61b07c7", Email: "emma@gallery.local", GivenName: "Emma", FamilyName: "Flagg", Role: "PayingUser", Country: "be"},
		{SubjectID: "b7539694-97e7-4dfe-84da-b4256e1ff5c7", Email: "david@gallery.local", GivenName: "David", FamilyName: "Flagg", Role: "FreeUser", Country: "nl"},
	}
	for _, user := range users {
		db.Create(&user)
	}
}

// loadPolicyStore reads the provider configuration file; in development a
// built-in configuration with the demo client is used when the file is absent
func loadPolicyStore(conf *config.Config) *policy.Store {
	if _, err := os.Stat(conf.ProviderConfig); err == nil {
		store, err := policy.Load(conf.ProviderConfig)
		checkPanicErr(err)
		return store
	}

	log.Warnf("Provider config %s not found, using built-in development configuration", conf.ProviderConfig)
	store, err := policy.NewStore(devProviderConfig())
	checkPanicErr(err)
	return store
}

// devProviderConfig mirrors the gallery sample: one confidential web client
// with the identity resources and API scopes the gallery applications use
func devProviderConfig() *policy.Config {
	hash, err := policy.HashSecret("ClientSecret123")
	checkPanicErr(err)

	return &policy.Config{
		IdentityResources: []policy.IdentityResource{
			{Name: "openid", Claims: []string{"sub"}},
			{Name: "profile", Claims: []string{"given_name", "family_name"}},
			{Name: "roles", DisplayName: "Your roles", Claims: []string{"role"}},
			{Name: "country", DisplayName: "The country you're living in", Claims: []string{"country"}},
		},
		APIResources: []policy.APIResource{
			{
				Name:        "galleryapi",
				DisplayName: "Image Gallery API",
				Claims:      []string{"role", "country"},
				Scopes:      []string{"gallery.read", "gallery.write"},
			},
		},
		APIScopes: []policy.APIScope{
			{Name: "gallery.read"},
			{Name: "gallery.write"},
		},
		Clients: []policy.Client{
			{
				ID:         "gallery-web",
				Name:       "Image Gallery",
				SecretHash: hash,
				GrantTypes: []string{"authorization_code", "refresh_token"},
				AllowedScopes: []string{
					"openid", "profile", "roles", "country",
					"gallery.read", "gallery.write", "offline_access",
				},
				RedirectURIs:           []string{"https://localhost:7184/signin-oidc"},
				PostLogoutRedirectURIs: []string{"https://localhost:7184/signout-callback-oidc"},
				RequireConsent:         true,
			},
		},
	}
}

// accessCodec picks the access token format for this deployment
func accessCodec(conf *config.Config) token.Codec {
	if conf.TokenFormat == config.TokenFormatReference {
		return token.NewReferenceCodec(conf.Issuer, registry.New(db), conf.AccessTokenTTL)
	}
	return token.NewJWTCodec(conf.Issuer, "galleryapi", []byte(conf.JWTSecret), conf.AccessTokenTTL)
}

// startRegistrySweeper reclaims storage for expired codes and tokens in the
// background; expiry itself is always enforced at lookup time
func startRegistrySweeper() {
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			if _, err := tokenRegistry.Sweep(context.Background()); err != nil {
				log.WithError(err).Warn("Registry sweep failed")
			}
		}
	}()
}

// subjectFromRequest stands in for the login page: it trusts a subject passed
// on the query string or the request form. A real deployment fronts /authorize
// with user authentication that sets the subject on the context instead.
func subjectFromRequest() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := c.Query("subject")
		if subject == "" {
			subject = c.PostForm("subject")
		}
		if subject != "" {
			c.Set("subject", subject)
		}
		c.Next()
	}
}

// setupRouter initializes the Gin router and sets up the provider endpoints
func setupRouter() *gin.Engine {
	router := gin.Default()

	router.GET("/health", healthCheckHandler)
	router.GET("/.well-known/openid-configuration", oauthController.HandleDiscovery)

	router.GET("/authorize", subjectFromRequest(), oauthController.HandleAuthorize)
	router.POST("/authorize/consent", subjectFromRequest(), oauthController.HandleConsent)
	router.POST("/token", oauthController.HandleToken)
	router.POST("/revocation", oauthController.HandleRevocation)
	router.POST("/introspect", oauthController.HandleIntrospection)

	return router
}

// healthCheckHandler handles the health check endpoint
func healthCheckHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "gallery-idp",
	})
}
