package web

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/feeds"
	"github.com/mammut-social/mammut/db"
	"github.com/mammut-social/mammut/domain"
	"github.com/mammut-social/mammut/util"
)

func GetRSS(conf *util.AppConfig, database *db.DB, username string) (string, error) {

	var err error
	var notes *[]domain.Note
	var title string
	var createdBy string
	var email string

	link := fmt.Sprintf("https://%s/feed", conf.Conf.Domain)

	if username != "" {
		err, notes = database.ReadNotesByUsername(username)
		if err != nil || notes == nil || len(*notes) == 0 {
			log.Warn("Could not get notes", "username", username, "err", err)
			return "", errors.New("error retrieving notes by username")
		}
		title = fmt.Sprintf("Mammut Notes - %s", username)
		createdBy = (*notes)[0].CreatedBy
		email = fmt.Sprintf("%s@%s", (*notes)[0].CreatedBy, conf.Conf.Domain)
		link = fmt.Sprintf("%s?username=%s", link, username)
	} else {
		err, notes = database.ReadAllNotes()
		if err != nil || notes == nil || len(*notes) == 0 {
			log.Warn("Could not get notes", "err", err)
			return "", errors.New("error retrieving notes")
		}
		title = "All Mammut Notes"
		createdBy = "everyone"
		email = fmt.Sprintf("%s@%s", createdBy, conf.Conf.Domain)
	}

	feed := &feeds.Feed{
		Title:       title,
		Link:        &feeds.Link{Href: link},
		Description: "mammut note feed",
		Author:      &feeds.Author{Name: createdBy, Email: email},
		Created:     time.Now(),
	}

	var feedItems []*feeds.Item
	for _, note := range *notes {
		email := fmt.Sprintf("%s@%s", note.CreatedBy, conf.Conf.Domain)
		feedItems = append(feedItems,
			&feeds.Item{
				Id:      note.Id.String(),
				Title:   note.CreatedAt.Format(util.DateTimeFormat()),
				Link:    &feeds.Link{Href: fmt.Sprintf("https://%s/feed/%s", conf.Conf.Domain, note.Id)},
				Content: note.Message,
				Author:  &feeds.Author{Name: note.CreatedBy, Email: email},
				Created: note.CreatedAt,
			})
	}

	feed.Items = feedItems
	return feed.ToRss()
}

func GetRSSItem(conf *util.AppConfig, database *db.DB, id uuid.UUID) (string, error) {
	err, note := database.ReadNoteId(id)

	if err != nil || note == nil {
		log.Warn("Could not get note", "id", id, "err", err)
		return "", errors.New("error retrieving note by id")
	}

	email := fmt.Sprintf("%s@%s", note.CreatedBy, conf.Conf.Domain)
	url := fmt.Sprintf("https://%s/feed/%s", conf.Conf.Domain, note.Id)

	feed := &feeds.Feed{
		Title:       "Single Mammut Note",
		Link:        &feeds.Link{Href: url},
		Description: "mammut note feed",
		Author:      &feeds.Author{Name: note.CreatedBy, Email: email},
		Created:     time.Now(),
	}

	var feedItems []*feeds.Item

	feedItems = append(feedItems,
		&feeds.Item{
			Id:      note.Id.String(),
			Title:   note.CreatedAt.Format(util.DateTimeFormat()),
			Link:    &feeds.Link{Href: url},
			Content: note.Message,
			Author:  &feeds.Author{Name: note.CreatedBy, Email: email},
			Created: note.CreatedAt,
		})

	feed.Items = feedItems
	return feed.ToRss()
}
