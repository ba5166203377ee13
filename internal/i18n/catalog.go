package i18n

import (
	"errors"
	"fmt"
	"regexp"
)

// Kind names a notification template.
type Kind string

const (
	KindNewTrip       Kind = "new_trip"
	KindTripAccepted  Kind = "trip_accepted"
	KindDriverEnRoute Kind = "driver_en_route"
	KindDriverArrived Kind = "driver_arrived"
	KindTripStarted   Kind = "trip_started"
	KindTripCompleted Kind = "trip_completed"
	KindTripCancelled Kind = "trip_cancelled"
)

var ErrUnknownKind = errors.New("unknown notification kind")

// UnknownNotificationKindError means a caller asked for a template that was
// never registered. It is a bug in the caller, not bad input.
type UnknownNotificationKindError struct {
	Kind Kind
}

func (e *UnknownNotificationKindError) Error() string {
	return fmt.Sprintf("unknown notification kind %q", e.Kind)
}

func (e *UnknownNotificationKindError) Is(target error) bool { return target == ErrUnknownKind }

type Template struct {
	Title string
	Body  string
}

// Content is a rendered title/body pair.
type Content struct {
	Title    string
	Body     string
	Language Language
}

type Catalog struct {
	templates map[Kind]map[Language]Template
}

var placeholder = regexp.MustCompile(`\{([a-z_]+)\}`)

// NewCatalog returns a catalog holding the built-in templates.
func NewCatalog() *Catalog {
	c := &Catalog{templates: make(map[Kind]map[Language]Template, len(builtin))}
	for k, byLang := range builtin {
		for lang, tpl := range byLang {
			c.Register(k, lang, tpl)
		}
	}
	return c
}

// Register adds or replaces the template for kind in lang.
func (c *Catalog) Register(kind Kind, lang Language, tpl Template) {
	if c.templates[kind] == nil {
		c.templates[kind] = make(map[Language]Template)
	}
	c.templates[kind][lang] = tpl
}

// Render fills the template for kind in lang, falling back to English when
// the language has no template. Placeholders without a value render empty.
func (c *Catalog) Render(kind Kind, lang Language, fields map[string]string) (Content, error) {
	byLang, ok := c.templates[kind]
	if !ok {
		return Content{}, &UnknownNotificationKindError{Kind: kind}
	}
	tpl, ok := byLang[lang]
	if !ok {
		lang = English
		if tpl, ok = byLang[English]; !ok {
			return Content{}, &UnknownNotificationKindError{Kind: kind}
		}
	}
	return Content{Title: fill(tpl.Title, fields), Body: fill(tpl.Body, fields), Language: lang}, nil
}

func fill(s string, fields map[string]string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		return fields[m[1:len(m)-1]]
	})
}

var builtin = map[Kind]map[Language]Template{
	KindNewTrip: {
		English: {Title: "New trip request", Body: "{rider_name} needs a ride from {pickup} to {dropoff}. Fare {fare} for {distance_km} km."},
		Arabic:  {Title: "طلب رحلة جديد", Body: "{rider_name} يحتاج رحلة من {pickup} إلى {dropoff}. الأجرة {fare} لمسافة {distance_km} كم."},
		Kurdish: {Title: "داواکاری گەشتی نوێ", Body: "{rider_name} پێویستی بە گەشتە لە {pickup} بۆ {dropoff}. کرێ {fare} بۆ {distance_km} کم."},
		Turkish: {Title: "Yeni yolculuk talebi", Body: "{rider_name} {pickup} konumundan {dropoff} konumuna yolculuk istiyor. Ücret {fare}, mesafe {distance_km} km."},
	},
	KindTripAccepted: {
		English: {Title: "Your trip was accepted", Body: "{driver_name} accepted your trip in a {vehicle}."},
		Arabic:  {Title: "تم قبول رحلتك", Body: "قبل {driver_name} رحلتك بسيارة {vehicle}."},
		Kurdish: {Title: "گەشتەکەت قبوڵکرا", Body: "{driver_name} گەشتەکەتی قبوڵکرد بە {vehicle}."},
		Turkish: {Title: "Yolculuğunuz kabul edildi", Body: "{driver_name}, {vehicle} ile yolculuğunuzu kabul etti."},
	},
	KindDriverEnRoute: {
		English: {Title: "Driver en route", Body: "{driver_name} is heading to {pickup}."},
		Arabic:  {Title: "السائق في الطريق", Body: "{driver_name} في طريقه إلى {pickup}."},
		Kurdish: {Title: "شۆفێر لە ڕێگایە", Body: "{driver_name} بەرەو {pickup} دێت."},
		Turkish: {Title: "Sürücü yolda", Body: "{driver_name} {pickup} konumuna geliyor."},
	},
	KindDriverArrived: {
		English: {Title: "Driver arrived", Body: "{driver_name} is waiting at {pickup}."},
		Arabic:  {Title: "وصل السائق", Body: "{driver_name} ينتظرك في {pickup}."},
		Kurdish: {Title: "شۆفێر گەیشت", Body: "{driver_name} لە {pickup} چاوەڕێتە."},
		Turkish: {Title: "Sürücü geldi", Body: "{driver_name} {pickup} konumunda bekliyor."},
	},
	KindTripStarted: {
		English: {Title: "Trip started", Body: "Enjoy your ride to {dropoff}."},
		Arabic:  {Title: "بدأت الرحلة", Body: "رحلة سعيدة إلى {dropoff}."},
		Kurdish: {Title: "گەشت دەستیپێکرد", Body: "گەشتێکی خۆش بۆ {dropoff}."},
		Turkish: {Title: "Yolculuk başladı", Body: "{dropoff} yolculuğunuzun keyfini çıkarın."},
	},
	KindTripCompleted: {
		English: {Title: "Trip completed", Body: "You arrived at {dropoff}. Fare: {fare}."},
		Arabic:  {Title: "اكتملت الرحلة", Body: "وصلت إلى {dropoff}. الأجرة: {fare}."},
		Kurdish: {Title: "گەشت تەواو بوو", Body: "گەیشتیتە {dropoff}. کرێ: {fare}."},
		Turkish: {Title: "Yolculuk tamamlandı", Body: "{dropoff} konumuna ulaştınız. Ücret: {fare}."},
	},
	KindTripCancelled: {
		English: {Title: "Trip cancelled", Body: "The trip from {pickup} was cancelled."},
		Arabic:  {Title: "أُلغيت الرحلة", Body: "تم إلغاء الرحلة من {pickup}."},
		Kurdish: {Title: "گەشت هەڵوەشایەوە", Body: "گەشتەکە لە {pickup} هەڵوەشێنرایەوە."},
		Turkish: {Title: "Yolculuk iptal edildi", Body: "{pickup} çıkışlı yolculuk iptal edildi."},
	},
}
