package archive

import (
	"fmt"

	"github.com/bogem/id3v2/v2"

	"github.com/infinitune/infinitune/internal/covercache"
	"github.com/infinitune/infinitune/internal/model"
)

// tagAudio writes ID3v2 title, artist and genre frames into an MP3,
// embedding the cover when one is available.
func tagAudio(path string, song *model.Song, cover *covercache.Cover) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("open tag: %w", err)
	}
	defer func() { _ = tag.Close() }()

	tag.SetDefaultEncoding(id3v2.EncodingUTF8)
	tag.SetTitle(song.Title)
	tag.SetArtist(song.ArtistName)
	if song.Genre != "" {
		tag.SetGenre(song.Genre)
	}

	if cover != nil && len(cover.Bytes) > 0 {
		mime := "image/png"
		if cover.Format == "jpeg" || cover.Format == "jpg" {
			mime = "image/jpeg"
		}
		tag.AddAttachedPicture(id3v2.PictureFrame{
			Encoding:    id3v2.EncodingUTF8,
			MimeType:    mime,
			PictureType: id3v2.PTFrontCover,
			Description: "Front cover",
			Picture:     cover.Bytes,
		})
	}

	if err := tag.Save(); err != nil {
		return fmt.Errorf("save tag: %w", err)
	}
	return nil
}
