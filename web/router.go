package web

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/google/uuid"
	"github.com/mammut-social/mammut/db"
	"github.com/mammut-social/mammut/federation"
	"github.com/mammut-social/mammut/util"
	"golang.org/x/time/rate"
)

// Router wires the HTTP surface: discovery endpoints, actor documents,
// note objects, the federation inboxes and the RSS feed.
func Router(conf *util.AppConfig, database *db.DB, inbox *federation.InboxProcessor) error {
	log.Info("Starting HTTP server", "host", conf.Conf.Host, "port", conf.Conf.HttpPort)
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// RSS Feed
	g.GET("/feed", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")

		username := c.Query("username")
		rss, err := GetRSS(conf, database, username)
		if err != nil {
			c.Render(404, render.String{Format: ""})
		} else {
			c.Render(200, render.String{Format: rss})
		}
	})

	g.GET("/feed/:id", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")
		feedId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.Render(404, render.String{Format: ""})
			return
		}

		rssItem, err := GetRSSItem(conf, database, feedId)
		if err != nil {
			c.Render(404, render.String{Format: ""})
		} else {
			c.Render(200, render.String{Format: rssItem})
		}
	})

	if conf.Conf.WithFederation {
		// Stricter rate limit for federation endpoints: 5 req/sec per IP
		apLimiter := NewRateLimiter(rate.Limit(5), 10)

		// Max 1MB request body size for activities
		maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

		g.GET("/notes/:id", func(c *gin.Context) {
			c.Header("Content-Type", "application/activity+json; charset=utf-8")

			noteId, err := uuid.Parse(c.Param("id"))
			if err != nil {
				c.JSON(404, gin.H{"error": "Invalid note ID"})
				return
			}

			err, note := GetNoteObject(noteId, database, conf)
			if err != nil {
				c.JSON(404, gin.H{"error": "Note not found"})
			} else {
				c.Render(200, render.String{Format: note})
			}
		})

		g.GET("/users/:actor", func(c *gin.Context) {
			c.Header("Content-Type", "application/activity+json; charset=utf-8")
			err, actor := GetActor(c.Param("actor"), database, conf)
			if err != nil {
				c.Render(404, render.String{Format: actor})
			} else {
				c.Render(200, render.String{Format: actor})
			}
		})

		g.GET("/users/:actor/outbox", func(c *gin.Context) {
			c.Header("Content-Type", "application/activity+json; charset=utf-8")
			err, outbox := GetOutbox(c.Param("actor"), database, conf)
			if err != nil {
				c.Render(404, render.String{Format: "{}"})
			} else {
				c.Render(200, render.String{Format: outbox})
			}
		})

		// Shared inbox; effects are applied by URI so no target user is needed.
		g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
			inbox.Receive(c.Writer, c.Request)
		})

		g.POST("/users/:actor/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
			if err, acc := database.ReadAccByUsername(c.Param("actor")); err != nil || acc == nil {
				c.JSON(404, gin.H{"error": "No such user"})
				return
			}
			inbox.Receive(c.Writer, c.Request)
		})

		g.GET("/.well-known/webfinger", func(c *gin.Context) {
			c.Header("Content-Type", "application/jrd+json; charset=utf-8")

			err, resp := GetWebfinger(c.Query("resource"), database, conf)
			if err != nil {
				c.Render(404, render.String{Format: GetWebFingerNotFound()})
			} else {
				c.Render(200, render.String{Format: resp})
			}
		})
	}

	return g.Run(fmt.Sprintf(":%d", conf.Conf.HttpPort))
}
