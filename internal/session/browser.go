package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
)

const (
	loginURL     = "http://i.alibaba.com"
	loggedInPath = "i.alibaba.com/index.htm"

	browserUserAgent = `Mozilla/5.0 (Windows NT 6.1; Win64; x64; rv:45.0) Gecko/20100101 Firefox/45.0`
)

// fillLoginScript reaches into the login box iframe and submits the
// credential form. It returns false when the form is not on screen yet.
const fillLoginScript = `(function(id, password) {
	var frame = document.getElementById('alibaba-login-box');
	if (!frame || !frame.contentDocument) { return false; }
	var doc = frame.contentDocument;
	var loginId = doc.getElementById('fm-login-id');
	var loginPw = doc.getElementById('fm-login-password');
	var submit = doc.getElementById('fm-login-submit');
	if (!loginId || !loginPw || !submit) { return false; }
	loginId.value = id;
	loginPw.value = password;
	submit.click();
	return true;
})(%q, %q)`

// harvestLoginCookies drives a visible browser through the platform login and
// returns the resulting cookies. The browser stays open until the login lands
// on the account page, so a captcha or verification step can be completed by
// hand within the timeout.
func harvestLoginCookies(ctx context.Context, creds Credentials, timeout time.Duration) ([]Cookie, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", false),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(browserUserAgent),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	browserCtx, cancelTimeout := context.WithTimeout(browserCtx, timeout)
	defer cancelTimeout()

	if err := chromedp.Run(browserCtx,
		network.Enable(),
		chromedp.Navigate(loginURL),
	); err != nil {
		return nil, fmt.Errorf("failed to open login page: %w", err)
	}

	if err := submitCredentials(browserCtx, creds); err != nil {
		logrus.WithError(err).Warn("Automatic credential fill failed, waiting for manual login")
	}

	if err := waitForLogin(browserCtx); err != nil {
		return nil, err
	}

	var cookies []Cookie
	err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		harvested, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range harvested {
			cookies = append(cookies, Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  c.Expires,
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
			})
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read browser cookies: %w", err)
	}
	if len(cookies) == 0 {
		return nil, fmt.Errorf("login produced no cookies")
	}

	logrus.WithField("cookies", len(cookies)).Info("Login completed")
	return cookies, nil
}

// submitCredentials retries the fill script until the login form appears.
func submitCredentials(ctx context.Context, creds Credentials) error {
	script := fmt.Sprintf(fillLoginScript, creds.LoginID, creds.Password)
	for i := 0; i < 10; i++ {
		var filled bool
		if err := chromedp.Run(ctx, chromedp.Evaluate(script, &filled)); err != nil {
			return fmt.Errorf("failed to run login script: %w", err)
		}
		if filled {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("login form never appeared")
}

// waitForLogin polls the page location until the account index loads.
func waitForLogin(ctx context.Context) error {
	for {
		var location string
		if err := chromedp.Run(ctx, chromedp.Location(&location)); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("login timed out: %w", ctx.Err())
			}
			return fmt.Errorf("failed to read browser location: %w", err)
		}
		if strings.Contains(location, loggedInPath) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("login timed out: %w", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}
